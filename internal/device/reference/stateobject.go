package reference

import (
	"fmt"

	"github.com/gogpu/raytrace/internal/device"
)

// StateObject is a ray-tracing pipeline created by the reference device.
type StateObject struct {
	label          string
	ids            map[string][]byte
	hitGroups      map[string]device.HitGroupDesc
	maxRecursion   uint32
	payloadSize    uint32
	attributeSize  uint32
	libraryExports []string
}

var _ device.StateObject = (*StateObject)(nil)

// ShaderIdentifier implements device.StateObject.
func (s *StateObject) ShaderIdentifier(export string) ([]byte, bool) {
	id, ok := s.ids[export]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(id))
	copy(out, id)
	return out, true
}

// MaxRecursionDepth returns the configured trace recursion depth.
func (s *StateObject) MaxRecursionDepth() uint32 { return s.maxRecursion }

// HitGroup returns the hit group named name.
func (s *StateObject) HitGroup(name string) (device.HitGroupDesc, bool) {
	hg, ok := s.hitGroups[name]
	return hg, ok
}

// CreateStateObject implements device.RayTracing.
func (d *Device) CreateStateObject(desc *device.StateObjectDesc) (device.StateObject, error) {
	so := &StateObject{
		label:     desc.Label,
		ids:       make(map[string][]byte),
		hitGroups: make(map[string]device.HitGroupDesc),
	}
	exports := make(map[string]bool)
	pipelineConfigs := 0
	shaderConfigs := 0

	for i, sub := range desc.Subobjects {
		switch sub.Type {
		case device.SubobjectLibrary:
			if sub.Library == nil || len(sub.Library.Bytecode) == 0 {
				return nil, fmt.Errorf("%w: subobject %d: empty library", ErrInvalidStateObject, i)
			}
			for _, e := range sub.Library.Exports {
				if exports[e] {
					return nil, fmt.Errorf("%w: subobject %d: duplicate export %q", ErrInvalidStateObject, i, e)
				}
				exports[e] = true
				so.libraryExports = append(so.libraryExports, e)
			}
		case device.SubobjectHitGroup:
			hg := sub.HitGroup
			if hg == nil || hg.Name == "" {
				return nil, fmt.Errorf("%w: subobject %d: unnamed hit group", ErrInvalidStateObject, i)
			}
			if exports[hg.Name] {
				return nil, fmt.Errorf("%w: subobject %d: duplicate export %q", ErrInvalidStateObject, i, hg.Name)
			}
			for _, s := range []string{hg.ClosestHit, hg.AnyHit, hg.Intersection} {
				if s != "" && !exports[s] {
					return nil, fmt.Errorf("%w: hit group %q uses unknown shader %q", ErrInvalidStateObject, hg.Name, s)
				}
			}
			exports[hg.Name] = true
			so.hitGroups[hg.Name] = *hg
		case device.SubobjectLocalRootSignature, device.SubobjectGlobalRootSignature:
			if sub.RootSignature == nil {
				return nil, fmt.Errorf("%w: subobject %d: nil root signature", ErrInvalidStateObject, i)
			}
		case device.SubobjectAssociation:
			if err := checkAssociation(desc.Subobjects, i, exports); err != nil {
				return nil, err
			}
		case device.SubobjectShaderConfig:
			if sub.ShaderConfig == nil {
				return nil, fmt.Errorf("%w: subobject %d: nil shader config", ErrInvalidStateObject, i)
			}
			shaderConfigs++
			so.payloadSize = max(so.payloadSize, sub.ShaderConfig.MaxPayloadSize)
			so.attributeSize = max(so.attributeSize, sub.ShaderConfig.MaxAttributeSize)
		case device.SubobjectPipelineConfig:
			if sub.PipelineConfig == nil {
				return nil, fmt.Errorf("%w: subobject %d: nil pipeline config", ErrInvalidStateObject, i)
			}
			pipelineConfigs++
			so.maxRecursion = sub.PipelineConfig.MaxRecursionDepth
		default:
			return nil, fmt.Errorf("%w: subobject %d: type %v", ErrInvalidStateObject, i, sub.Type)
		}
	}

	switch {
	case len(so.libraryExports) == 0:
		return nil, fmt.Errorf("%w: no shader library", ErrInvalidStateObject)
	case shaderConfigs == 0:
		return nil, fmt.Errorf("%w: no shader config", ErrInvalidStateObject)
	case pipelineConfigs != 1:
		return nil, fmt.Errorf("%w: %d pipeline configs", ErrInvalidStateObject, pipelineConfigs)
	case so.maxRecursion == 0 || so.maxRecursion > 31:
		return nil, fmt.Errorf("%w: recursion depth %d", ErrInvalidStateObject, so.maxRecursion)
	}

	for e := range exports {
		so.ids[e] = identifier(e)
	}
	return so, nil
}

// checkAssociation validates the association at index i. Its target must
// be declared earlier and every export must already exist.
func checkAssociation(subs []device.Subobject, i int, exports map[string]bool) error {
	a := subs[i].Association
	if a == nil {
		return fmt.Errorf("%w: subobject %d: nil association", ErrInvalidStateObject, i)
	}
	if a.Subobject < 0 || a.Subobject >= i {
		return fmt.Errorf("%w: subobject %d associates subobject %d", ErrInvalidStateObject, i, a.Subobject)
	}
	switch subs[a.Subobject].Type {
	case device.SubobjectLocalRootSignature, device.SubobjectShaderConfig:
	default:
		return fmt.Errorf("%w: subobject %d: cannot associate %v", ErrInvalidStateObject, i, subs[a.Subobject].Type)
	}
	if len(a.Exports) == 0 {
		return fmt.Errorf("%w: subobject %d: association without exports", ErrInvalidStateObject, i)
	}
	for _, e := range a.Exports {
		if !exports[e] {
			return fmt.Errorf("%w: subobject %d: unknown export %q", ErrInvalidStateObject, i, e)
		}
	}
	return nil
}
