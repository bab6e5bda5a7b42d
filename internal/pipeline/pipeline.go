// Package pipeline assembles ray-tracing pipeline state objects from an
// ordered list of subobjects.
//
// Subobjects are appended in declaration order and referenced by index.
// An association may only point at a subobject declared before it.
// Validate checks that every shader receives exactly one local root
// signature and exactly one shader config; hit-group shaders may receive
// theirs through the hit group name.
package pipeline

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/shader"
)

// Builder errors.
var (
	// ErrMissingAssociation is returned when a shader has no local root
	// signature or no shader config.
	ErrMissingAssociation = errors.New("pipeline: missing association")

	// ErrDuplicateAssociation is returned when a shader receives more than
	// one local root signature or shader config.
	ErrDuplicateAssociation = errors.New("pipeline: duplicate association")

	// ErrUnknownExport is returned when an association or hit group names
	// an export no library declares.
	ErrUnknownExport = errors.New("pipeline: unknown export")

	// ErrForwardReference is returned when an association targets a
	// subobject not yet declared.
	ErrForwardReference = errors.New("pipeline: association references a later subobject")

	// ErrInvalidAssociation is returned when an association targets a
	// subobject that cannot be associated.
	ErrInvalidAssociation = errors.New("pipeline: subobject cannot be associated")

	// ErrNoPipelineConfig is returned unless exactly one pipeline config
	// is declared.
	ErrNoPipelineConfig = errors.New("pipeline: exactly one pipeline config is required")

	// ErrDuplicateExport is returned when a name is exported twice.
	ErrDuplicateExport = errors.New("pipeline: duplicate export")
)

// Builder collects subobjects. The zero value is ready to use.
type Builder struct {
	subobjects []device.Subobject
	kernel     *kernelDesc
}

// kernelDesc selects the export run on the hal queue at dispatch.
type kernelDesc struct {
	lib    *shader.Library
	export string
	format gputypes.TextureFormat
}

func (b *Builder) add(s device.Subobject) int {
	b.subobjects = append(b.subobjects, s)
	return len(b.subobjects) - 1
}

// AddLibrary adds a compiled shader library exporting all its entry points.
func (b *Builder) AddLibrary(lib *shader.Library) int {
	return b.add(device.Subobject{
		Type: device.SubobjectLibrary,
		Library: &device.LibraryDesc{
			Bytecode: lib.Bytecode,
			Exports:  slices.Clone(lib.Exports),
		},
	})
}

// AddHitGroup adds a hit group. A group without an intersection shader
// handles triangles.
func (b *Builder) AddHitGroup(name, closestHit, anyHit, intersection string) int {
	typ := device.HitGroupTriangles
	if intersection != "" {
		typ = device.HitGroupProcedural
	}
	return b.add(device.Subobject{
		Type: device.SubobjectHitGroup,
		HitGroup: &device.HitGroupDesc{
			Name:         name,
			Type:         typ,
			ClosestHit:   closestHit,
			AnyHit:       anyHit,
			Intersection: intersection,
		},
	})
}

// AddLocalRootSignature adds a root signature bound per shader record.
func (b *Builder) AddLocalRootSignature(rs *device.RootSignature) int {
	return b.add(device.Subobject{Type: device.SubobjectLocalRootSignature, RootSignature: rs})
}

// AddGlobalRootSignature adds the root signature shared by all shaders.
func (b *Builder) AddGlobalRootSignature(rs *device.RootSignature) int {
	return b.add(device.Subobject{Type: device.SubobjectGlobalRootSignature, RootSignature: rs})
}

// AddShaderConfig adds payload and attribute size limits.
func (b *Builder) AddShaderConfig(maxPayload, maxAttributes uint32) int {
	return b.add(device.Subobject{
		Type:         device.SubobjectShaderConfig,
		ShaderConfig: &device.ShaderConfig{MaxPayloadSize: maxPayload, MaxAttributeSize: maxAttributes},
	})
}

// AddPipelineConfig adds the maximum trace recursion depth.
func (b *Builder) AddPipelineConfig(maxRecursion uint32) int {
	return b.add(device.Subobject{
		Type:           device.SubobjectPipelineConfig,
		PipelineConfig: &device.PipelineConfig{MaxRecursionDepth: maxRecursion},
	})
}

// Associate binds the local root signature or shader config at index
// subobject to exports.
func (b *Builder) Associate(subobject int, exports ...string) (int, error) {
	if subobject < 0 || subobject >= len(b.subobjects) {
		return 0, fmt.Errorf("%w: subobject %d of %d", ErrForwardReference, subobject, len(b.subobjects))
	}
	switch t := b.subobjects[subobject].Type; t {
	case device.SubobjectLocalRootSignature, device.SubobjectShaderConfig:
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidAssociation, t)
	}
	return b.add(device.Subobject{
		Type:        device.SubobjectAssociation,
		Association: &device.AssociationDesc{Subobject: subobject, Exports: slices.Clone(exports)},
	}), nil
}

// SetRayGenKernel makes Build also create a hal compute kernel running
// export of lib over a storage texture of format.
func (b *Builder) SetRayGenKernel(lib *shader.Library, export string, format gputypes.TextureFormat) {
	b.kernel = &kernelDesc{lib: lib, export: export, format: format}
}

// Subobjects returns the subobjects in declaration order.
func (b *Builder) Subobjects() []device.Subobject { return b.subobjects }

// catalog indexes the exports of the collected subobjects.
type catalog struct {
	exports   []string
	hitGroups map[string]*device.HitGroupDesc
	// groupsOf maps a shader export to the hit groups using it.
	groupsOf map[string][]string
}

func (b *Builder) catalog() (*catalog, error) {
	c := &catalog{
		hitGroups: make(map[string]*device.HitGroupDesc),
		groupsOf:  make(map[string][]string),
	}
	for _, s := range b.subobjects {
		if s.Type != device.SubobjectLibrary {
			continue
		}
		for _, e := range s.Library.Exports {
			if slices.Contains(c.exports, e) {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateExport, e)
			}
			c.exports = append(c.exports, e)
		}
	}
	for _, s := range b.subobjects {
		if s.Type != device.SubobjectHitGroup {
			continue
		}
		hg := s.HitGroup
		if slices.Contains(c.exports, hg.Name) || c.hitGroups[hg.Name] != nil {
			return nil, fmt.Errorf("%w: hit group %q", ErrDuplicateExport, hg.Name)
		}
		for _, sh := range []string{hg.ClosestHit, hg.AnyHit, hg.Intersection} {
			if sh == "" {
				continue
			}
			if !slices.Contains(c.exports, sh) {
				return nil, fmt.Errorf("%w: hit group %q uses %q", ErrUnknownExport, hg.Name, sh)
			}
			c.groupsOf[sh] = append(c.groupsOf[sh], hg.Name)
		}
		c.hitGroups[hg.Name] = hg
	}
	return c, nil
}

func (c *catalog) known(name string) bool {
	return slices.Contains(c.exports, name) || c.hitGroups[name] != nil
}

// Validate checks the subobjects without creating a state object.
func (b *Builder) Validate() error {
	c, err := b.catalog()
	if err != nil {
		return err
	}

	rootSigs := make(map[string]int)
	configs := make(map[string]int)
	pipelineConfigs := 0
	for i, s := range b.subobjects {
		switch s.Type {
		case device.SubobjectPipelineConfig:
			pipelineConfigs++
		case device.SubobjectAssociation:
			if s.Association.Subobject >= i {
				return fmt.Errorf("%w: subobject %d targets %d", ErrForwardReference, i, s.Association.Subobject)
			}
			counts := rootSigs
			if b.subobjects[s.Association.Subobject].Type == device.SubobjectShaderConfig {
				counts = configs
			}
			for _, e := range s.Association.Exports {
				if !c.known(e) {
					return fmt.Errorf("%w: %q", ErrUnknownExport, e)
				}
				counts[e]++
			}
		}
	}
	if pipelineConfigs != 1 {
		return fmt.Errorf("%w: found %d", ErrNoPipelineConfig, pipelineConfigs)
	}
	if b.kernel != nil && !b.kernel.lib.Has(b.kernel.export) {
		return fmt.Errorf("%w: kernel %q not in %s", ErrUnknownExport, b.kernel.export, b.kernel.lib.Name)
	}

	for _, e := range c.exports {
		if err := c.checkCoverage(e, rootSigs, "local root signature"); err != nil {
			return err
		}
		if err := c.checkCoverage(e, configs, "shader config"); err != nil {
			return err
		}
	}
	return nil
}

// checkCoverage counts associations reaching export directly or through a
// hit group using it.
func (c *catalog) checkCoverage(export string, counts map[string]int, what string) error {
	n := counts[export]
	for _, g := range c.groupsOf[export] {
		n += counts[g]
	}
	switch {
	case n == 0:
		return fmt.Errorf("%w: %q has no %s", ErrMissingAssociation, export, what)
	case n > 1:
		return fmt.Errorf("%w: %q has %d %ss", ErrDuplicateAssociation, export, n, what)
	}
	return nil
}

// Pipeline is a created ray-tracing pipeline and the root signatures its
// shader records need.
type Pipeline struct {
	State  device.StateObject
	Global *device.RootSignature

	// Kernel runs the ray-generation export on the hal queue. It is nil
	// unless the builder set one.
	Kernel *device.Kernel

	local     map[string]*device.RootSignature
	hitGroups map[string]*device.HitGroupDesc
}

// Build validates the subobjects and creates the state object.
func (b *Builder) Build(ctx *device.Context, label string) (*Pipeline, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	c, _ := b.catalog()

	so, err := ctx.CreateStateObject(&device.StateObjectDesc{
		Label:      label,
		Subobjects: slices.Clone(b.subobjects),
	})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		State:     so,
		local:     make(map[string]*device.RootSignature),
		hitGroups: c.hitGroups,
	}
	if b.kernel != nil {
		if p.Kernel, err = b.buildKernel(ctx, label); err != nil {
			return nil, err
		}
	}
	for _, s := range b.subobjects {
		switch s.Type {
		case device.SubobjectGlobalRootSignature:
			p.Global = s.RootSignature
		case device.SubobjectAssociation:
			target := b.subobjects[s.Association.Subobject]
			if target.Type != device.SubobjectLocalRootSignature {
				continue
			}
			for _, e := range s.Association.Exports {
				p.local[e] = target.RootSignature
			}
		}
	}
	return p, nil
}

func (b *Builder) buildKernel(ctx *device.Context, label string) (*device.Kernel, error) {
	k := b.kernel
	dev, _ := ctx.HAL()
	mod, err := k.lib.CreateModule(dev)
	if err != nil {
		return nil, err
	}
	kernel, err := ctx.CreateKernel(&device.KernelDesc{
		Label:      label + "_" + k.export,
		Module:     mod,
		EntryPoint: k.export,
		Workgroup:  k.lib.Workgroups[k.export],
		Format:     k.format,
	})
	if err != nil {
		return nil, fmt.Errorf("ray generation kernel: %w", err)
	}
	return kernel, nil
}

// Destroy releases the kernel. The state object lives as long as the
// ray-tracing extension.
func (p *Pipeline) Destroy() {
	if p.Kernel != nil {
		p.Kernel.Destroy()
		p.Kernel = nil
	}
}

// LocalRootSignature returns the local root signature of a ray-generation
// or miss export, or of a hit group. A hit group without its own
// association uses the one of its closest-hit shader.
func (p *Pipeline) LocalRootSignature(name string) (*device.RootSignature, bool) {
	if rs, ok := p.local[name]; ok {
		return rs, true
	}
	if hg, ok := p.hitGroups[name]; ok {
		for _, sh := range []string{hg.ClosestHit, hg.AnyHit, hg.Intersection} {
			if rs, ok := p.local[sh]; ok && sh != "" {
				return rs, true
			}
		}
	}
	return nil, false
}

// Identifier returns the shader identifier of an export or hit group.
func (p *Pipeline) Identifier(name string) ([]byte, error) {
	id, ok := p.State.ShaderIdentifier(name)
	if !ok {
		return nil, fmt.Errorf("%w: no identifier for %q", ErrUnknownExport, name)
	}
	return id, nil
}
