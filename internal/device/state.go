package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/raytrace/internal/logging"
)

// ErrInvalidRootSignature is returned for malformed root signature layouts.
var ErrInvalidRootSignature = errors.New("device: invalid root signature")

// RangeType is the register space of a descriptor range.
type RangeType int

const (
	RangeSRV RangeType = iota
	RangeUAV
	RangeCBV
)

// String returns the string representation of RangeType.
func (t RangeType) String() string {
	switch t {
	case RangeSRV:
		return "SRV"
	case RangeUAV:
		return "UAV"
	case RangeCBV:
		return "CBV"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// DescriptorRange is a run of descriptors inside a table parameter.
type DescriptorRange struct {
	Type          RangeType
	Count         uint32
	BaseRegister  uint32
	RegisterSpace uint32
	OffsetInTable uint32
}

// ParamType is the kind of a root parameter.
type ParamType int

const (
	ParamDescriptorTable ParamType = iota
	ParamCBV
	ParamSRV
	ParamUAV
	ParamConstants
)

// String returns the string representation of ParamType.
func (t ParamType) String() string {
	switch t {
	case ParamDescriptorTable:
		return "DescriptorTable"
	case ParamCBV:
		return "CBV"
	case ParamSRV:
		return "SRV"
	case ParamUAV:
		return "UAV"
	case ParamConstants:
		return "Constants"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// RootParameter is one entry of a root signature.
type RootParameter struct {
	Type ParamType

	// Ranges is set for descriptor tables.
	Ranges []DescriptorRange

	// Register is the shader register of root descriptors and constants.
	Register uint32

	// Num32BitValues is the number of root constants.
	Num32BitValues uint32
}

// Size returns the number of bytes the parameter occupies in a root
// argument block. Tables and root descriptors are 8 bytes.
func (p RootParameter) Size() uint64 {
	if p.Type == ParamConstants {
		return 4 * uint64(p.Num32BitValues)
	}
	return 8
}

// RootSignatureDesc describes a root signature.
type RootSignatureDesc struct {
	Label      string
	Parameters []RootParameter

	// Local marks signatures bound per shader record.
	Local bool
}

// RootSignature is a validated root signature.
type RootSignature struct {
	label    string
	params   []RootParameter
	local    bool
	argsSize uint64
}

// CreateRootSignature validates desc and computes its argument size.
func (c *Context) CreateRootSignature(desc RootSignatureDesc) (*RootSignature, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	var size uint64
	for i, p := range desc.Parameters {
		switch p.Type {
		case ParamDescriptorTable:
			if len(p.Ranges) == 0 {
				return nil, fmt.Errorf("%w: %s: parameter %d is an empty table", ErrInvalidRootSignature, desc.Label, i)
			}
			for j, r := range p.Ranges {
				if r.Count == 0 {
					return nil, fmt.Errorf("%w: %s: parameter %d range %d is empty", ErrInvalidRootSignature, desc.Label, i, j)
				}
			}
		case ParamConstants:
			if p.Num32BitValues == 0 {
				return nil, fmt.Errorf("%w: %s: parameter %d has no constants", ErrInvalidRootSignature, desc.Label, i)
			}
		case ParamCBV, ParamSRV, ParamUAV:
		default:
			return nil, fmt.Errorf("%w: %s: parameter %d has type %v", ErrInvalidRootSignature, desc.Label, i, p.Type)
		}
		if p.Type != ParamConstants {
			size = AlignUp(size, 8)
		}
		size += p.Size()
	}

	params := make([]RootParameter, len(desc.Parameters))
	copy(params, desc.Parameters)
	return &RootSignature{
		label:    desc.Label,
		params:   params,
		local:    desc.Local,
		argsSize: size,
	}, nil
}

// Label returns the debug label.
func (r *RootSignature) Label() string { return r.label }

// Local reports whether this is a local root signature.
func (r *RootSignature) Local() bool { return r.local }

// Parameters returns the root parameters.
func (r *RootSignature) Parameters() []RootParameter { return r.params }

// ArgumentsSize returns the byte size of the root arguments.
func (r *RootSignature) ArgumentsSize() uint64 { return r.argsSize }

// SubobjectType is the kind of a state object subobject.
type SubobjectType int

const (
	SubobjectLibrary SubobjectType = iota
	SubobjectHitGroup
	SubobjectLocalRootSignature
	SubobjectGlobalRootSignature
	SubobjectAssociation
	SubobjectShaderConfig
	SubobjectPipelineConfig
)

// String returns the string representation of SubobjectType.
func (t SubobjectType) String() string {
	switch t {
	case SubobjectLibrary:
		return "Library"
	case SubobjectHitGroup:
		return "HitGroup"
	case SubobjectLocalRootSignature:
		return "LocalRootSignature"
	case SubobjectGlobalRootSignature:
		return "GlobalRootSignature"
	case SubobjectAssociation:
		return "Association"
	case SubobjectShaderConfig:
		return "ShaderConfig"
	case SubobjectPipelineConfig:
		return "PipelineConfig"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// HitGroupType is the primitive type a hit group handles.
type HitGroupType int

const (
	HitGroupTriangles HitGroupType = iota
	HitGroupProcedural
)

// LibraryDesc is a compiled shader library and the entry points it exports.
type LibraryDesc struct {
	Bytecode []byte
	Exports  []string
}

// HitGroupDesc groups the hit shaders of one hit group.
type HitGroupDesc struct {
	Name         string
	Type         HitGroupType
	AnyHit       string
	ClosestHit   string
	Intersection string
}

// AssociationDesc binds the subobject at index Subobject to exports.
type AssociationDesc struct {
	Subobject int
	Exports   []string
}

// ShaderConfig bounds the payload and attribute sizes.
type ShaderConfig struct {
	MaxPayloadSize   uint32
	MaxAttributeSize uint32
}

// PipelineConfig bounds the trace recursion depth.
type PipelineConfig struct {
	MaxRecursionDepth uint32
}

// Subobject is one entry of a state object description. Exactly the field
// matching Type is set.
type Subobject struct {
	Type           SubobjectType
	Library        *LibraryDesc
	HitGroup       *HitGroupDesc
	RootSignature  *RootSignature
	Association    *AssociationDesc
	ShaderConfig   *ShaderConfig
	PipelineConfig *PipelineConfig
}

// StateObjectDesc is an ordered list of subobjects.
type StateObjectDesc struct {
	Label      string
	Subobjects []Subobject
}

// CreateStateObject creates a ray-tracing pipeline through the extension.
func (c *Context) CreateStateObject(desc *StateObjectDesc) (StateObject, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	so, err := c.rt.CreateStateObject(desc)
	if err != nil {
		return nil, fmt.Errorf("create state object %s: %w", desc.Label, err)
	}
	logging.Logger().Debug("device: state object created", "label", desc.Label, "subobjects", len(desc.Subobjects))
	return so, nil
}
