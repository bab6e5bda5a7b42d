package device

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Binary contract constants of the ray-tracing API.
const (
	// ShaderIdentifierSize is the size of an opaque shader identifier.
	ShaderIdentifierSize = 32

	// ShaderRecordAlignment is the required alignment of shader records.
	ShaderRecordAlignment = 32

	// ShaderTableAlignment is the required alignment of shader table starts.
	ShaderTableAlignment = 64

	// InstanceDescSize is the size of one encoded instance descriptor.
	InstanceDescSize = 64
)

// Tier is the ray-tracing support tier of a device.
type Tier int

const (
	TierNotSupported Tier = iota
	Tier1_0
	Tier1_1
)

// String returns the string representation of Tier.
func (t Tier) String() string {
	switch t {
	case TierNotSupported:
		return "NotSupported"
	case Tier1_0:
		return "1.0"
	case Tier1_1:
		return "1.1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// FeatureLevel is the device feature level.
type FeatureLevel int

const (
	FeatureLevel11_0 FeatureLevel = iota
	FeatureLevel12_0
	FeatureLevel12_1
)

// String returns the string representation of FeatureLevel.
func (l FeatureLevel) String() string {
	switch l {
	case FeatureLevel11_0:
		return "11_0"
	case FeatureLevel12_0:
		return "12_0"
	case FeatureLevel12_1:
		return "12_1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}

// RayTracing is the device extension providing what the hal cannot:
// acceleration structure sizing, ray-tracing state objects and execution
// of ray-tracing commands recorded in a CommandList.
type RayTracing interface {
	// Tier returns the supported ray-tracing tier.
	Tier() Tier

	// FeatureLevel returns the device feature level.
	FeatureLevel() FeatureLevel

	// DescriptorIncrement returns the handle increment of a heap type.
	DescriptorIncrement(typ DescriptorHeapType) uint32

	// PrebuildInfo returns the buffer sizes required to build an
	// acceleration structure from inputs.
	PrebuildInfo(inputs *BuildInputs) (PrebuildInfo, error)

	// CreateStateObject creates a ray-tracing pipeline state object.
	CreateStateObject(desc *StateObjectDesc) (StateObject, error)

	// Execute runs the command stream of a closed command list. It is
	// called in submission order from the single queue.
	Execute(cmds []Command) error
}

// StateObject is a created ray-tracing pipeline.
type StateObject interface {
	// ShaderIdentifier returns the identifier of a ray-generation or miss
	// export, or of a hit group. The slice has ShaderIdentifierSize bytes.
	ShaderIdentifier(export string) ([]byte, bool)
}

// ASType is the level of an acceleration structure.
type ASType int

const (
	BottomLevel ASType = iota
	TopLevel
)

// String returns the string representation of ASType.
func (t ASType) String() string {
	switch t {
	case BottomLevel:
		return "BottomLevel"
	case TopLevel:
		return "TopLevel"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// BuildFlags control acceleration structure builds.
type BuildFlags uint32

const (
	BuildFlagNone            BuildFlags = 0
	BuildFlagAllowUpdate     BuildFlags = 0x01
	BuildFlagPreferFastTrace BuildFlags = 0x04
	BuildFlagPerformUpdate   BuildFlags = 0x20
)

// GeometryFlags control per-geometry traversal behavior.
type GeometryFlags uint32

const (
	GeometryFlagNone   GeometryFlags = 0
	GeometryFlagOpaque GeometryFlags = 0x1
)

// TrianglesDesc describes a non-indexed triangle geometry.
type TrianglesDesc struct {
	VertexBuffer GPUAddress
	VertexStride uint64
	VertexFormat gputypes.VertexFormat
	VertexCount  uint32
}

// GeometryDesc describes one geometry of a bottom-level structure.
type GeometryDesc struct {
	Triangles TrianglesDesc
	Flags     GeometryFlags
}

// BuildInputs are the inputs of an acceleration structure build.
// Bottom-level builds use Geometries; top-level builds use InstanceCount
// and InstanceDescs.
type BuildInputs struct {
	Type          ASType
	Flags         BuildFlags
	Geometries    []GeometryDesc
	InstanceCount uint32
	InstanceDescs GPUAddress
}

// PrebuildInfo holds the buffer sizes required for a build.
type PrebuildInfo struct {
	ResultMaxSize     uint64
	ScratchSize       uint64
	UpdateScratchSize uint64
}

// Valid reports whether the sizes can be used to allocate buffers.
func (p PrebuildInfo) Valid() bool {
	return p.ResultMaxSize > 0 && p.ScratchSize > 0
}

// BuildDesc is a recorded acceleration structure build.
type BuildDesc struct {
	Inputs BuildInputs

	// Dest receives the structure, Scratch is temporary memory.
	Dest    *Buffer
	Scratch *Buffer

	// Source is the structure being updated. It is only set with
	// BuildFlagPerformUpdate.
	Source *Buffer

	// Instances holds the instance descriptors of a top-level build.
	Instances *Buffer
}

// AddressRange is a range of GPU memory.
type AddressRange struct {
	Start GPUAddress
	Size  uint64
}

// StridedAddressRange is a range of GPU memory holding fixed-stride records.
type StridedAddressRange struct {
	Start  GPUAddress
	Size   uint64
	Stride uint64
}

// Count returns the number of records in the range.
func (r StridedAddressRange) Count() uint64 {
	if r.Stride == 0 {
		return 0
	}
	return r.Size / r.Stride
}

// DispatchRaysDesc describes a ray dispatch.
type DispatchRaysDesc struct {
	RayGeneration AddressRange
	Miss          StridedAddressRange
	HitGroup      StridedAddressRange
	Callable      StridedAddressRange
	Width         uint32
	Height        uint32
	Depth         uint32

	// Kernel, if set, runs the ray-generation shader on the hal queue over
	// the launch grid. Its target must be in StateUnorderedAccess.
	Kernel *Kernel
}
