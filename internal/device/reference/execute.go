package reference

import (
	"fmt"

	"github.com/gogpu/raytrace/internal/device"
)

// execution is the binding state of one command list.
type execution struct {
	pipeline *StateObject
	heaps    []*device.DescriptorHeap
	rootSig  *device.RootSignature

	// pending holds buffers written by a build with no UAV barrier since.
	pending map[*device.Buffer]bool

	// states holds the state of each resource transitioned in the list,
	// replayed in command order.
	states map[device.Resource]device.ResourceState
}

// state returns the state of res at the current command.
func (ex *execution) state(res device.Resource) device.ResourceState {
	if s, ok := ex.states[res]; ok {
		return s
	}
	return res.State()
}

// Execute implements device.RayTracing. Commands run in order; the first
// invalid command aborts the list. Pending UAV writes do not outlive the
// list, since submissions on the single queue are ordered.
func (d *Device) Execute(cmds []device.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ex := &execution{
		pending: make(map[*device.Buffer]bool),
		states:  make(map[device.Resource]device.ResourceState),
	}
	// A resource enters the list in the before-state of its first
	// transition; its tracked state is already the final one.
	for _, cmd := range cmds {
		if cmd.Kind != device.CmdTransition {
			continue
		}
		if _, ok := ex.states[cmd.Resource]; !ok {
			ex.states[cmd.Resource] = cmd.Before
		}
	}
	for i, cmd := range cmds {
		if err := d.execute(ex, cmd); err != nil {
			return fmt.Errorf("command %d (%v): %w", i, cmd.Kind, err)
		}
	}
	return nil
}

func (d *Device) execute(ex *execution, cmd device.Command) error {
	switch cmd.Kind {
	case device.CmdUAVBarrier:
		if b, ok := cmd.Resource.(*device.Buffer); ok {
			delete(ex.pending, b)
		}
		d.stats.Barriers++
	case device.CmdTransition:
		ex.states[cmd.Resource] = cmd.After
		d.stats.Barriers++
	case device.CmdBuildAccelerationStructure:
		return d.build(ex, cmd.Build)
	case device.CmdSetDescriptorHeaps:
		ex.heaps = cmd.Heaps
	case device.CmdSetComputeRootSignature:
		if cmd.RootSig.Local() {
			return fmt.Errorf("%w: local root signature %s bound as global", ErrNotBound, cmd.RootSig.Label())
		}
		ex.rootSig = cmd.RootSig
	case device.CmdSetPipelineState:
		so, ok := cmd.Pipeline.(*StateObject)
		if !ok {
			return fmt.Errorf("%w: foreign state object %T", ErrInvalidStateObject, cmd.Pipeline)
		}
		ex.pipeline = so
	case device.CmdDispatchRays:
		return d.dispatch(ex, cmd.Dispatch)
	case device.CmdCopyResource:
		d.stats.Copies++
	default:
		return fmt.Errorf("%w: unknown command", ErrInvalidInputs)
	}
	return nil
}

func (d *Device) build(ex *execution, b *device.BuildDesc) error {
	in := &b.Inputs
	info, err := d.PrebuildInfo(in)
	if err != nil {
		return err
	}
	if !info.Valid() {
		return fmt.Errorf("%w: zero prebuild size", ErrInvalidInputs)
	}
	update := in.Flags&device.BuildFlagPerformUpdate != 0

	if b.Dest.Size() < info.ResultMaxSize {
		return fmt.Errorf("%w: result %s is %d, need %d", ErrBufferTooSmall, b.Dest.Label(), b.Dest.Size(), info.ResultMaxSize)
	}
	scratch := info.ScratchSize
	if update {
		scratch = info.UpdateScratchSize
	}
	if b.Scratch.Size() < scratch {
		return fmt.Errorf("%w: scratch %s is %d, need %d", ErrBufferTooSmall, b.Scratch.Label(), b.Scratch.Size(), scratch)
	}
	if st := ex.state(b.Dest); st != device.StateAccelerationStructure {
		return fmt.Errorf("%w: result %s is %v", ErrHazard, b.Dest.Label(), st)
	}
	if b.Scratch.Flags()&device.FlagAllowUnorderedAccess == 0 {
		return fmt.Errorf("%w: scratch %s does not allow unordered access", ErrHazard, b.Scratch.Label())
	}

	s := &Structure{
		Type:          in.Type,
		Flags:         in.Flags &^ device.BuildFlagPerformUpdate,
		Geometries:    len(in.Geometries),
		InstanceCount: in.InstanceCount,
		Buffer:        b.Dest,
	}
	if in.Type == device.BottomLevel {
		s.Triangles, _ = triangleCount(in.Geometries)
	} else {
		if s.Instances, err = d.instances(ex, b); err != nil {
			return err
		}
	}

	if update {
		if ex.pending[b.Source] {
			return fmt.Errorf("%w: update source %s read before UAV barrier", ErrHazard, b.Source.Label())
		}
		src, ok := d.structures[b.Source.GPUAddress()]
		if !ok {
			return fmt.Errorf("%w: update source %s", ErrUnknownStructure, b.Source.Label())
		}
		switch {
		case src.Flags&device.BuildFlagAllowUpdate == 0:
			return fmt.Errorf("%w: %s was built without AllowUpdate", ErrUpdateMismatch, b.Source.Label())
		case src.Type != in.Type:
			return fmt.Errorf("%w: %v updated as %v", ErrUpdateMismatch, src.Type, in.Type)
		case src.InstanceCount != in.InstanceCount || src.Geometries != len(in.Geometries):
			return fmt.Errorf("%w: inputs changed since build", ErrUpdateMismatch)
		}
		d.stats.Updates++
	} else {
		d.stats.Builds++
	}

	d.structures[b.Dest.GPUAddress()] = s
	ex.pending[b.Dest] = true
	return nil
}

// instances decodes and checks the instance descriptors of a top-level build.
func (d *Device) instances(ex *execution, b *device.BuildDesc) ([]device.InstanceDesc, error) {
	n := int(b.Inputs.InstanceCount)
	if n == 0 {
		return nil, nil
	}
	raw := b.Instances.Bytes()
	if raw == nil {
		return nil, fmt.Errorf("%w: instance buffer %s is not host visible", ErrInvalidInputs, b.Instances.Label())
	}
	if len(raw) < n*device.InstanceDescSize {
		return nil, fmt.Errorf("%w: instance buffer %s holds %d bytes for %d instances",
			ErrBufferTooSmall, b.Instances.Label(), len(raw), n)
	}
	out := make([]device.InstanceDesc, n)
	for i := range out {
		desc, err := device.DecodeInstanceDesc(raw[i*device.InstanceDescSize:])
		if err != nil {
			return nil, err
		}
		blas, ok := d.structures[desc.AccelerationStructure]
		if !ok || blas.Type != device.BottomLevel {
			return nil, fmt.Errorf("%w: instance %d references %#x", ErrUnknownStructure, i, uint64(desc.AccelerationStructure))
		}
		if ex.pending[blas.Buffer] {
			return nil, fmt.Errorf("%w: instance %d reads %s before UAV barrier", ErrHazard, i, blas.Buffer.Label())
		}
		out[i] = desc
	}
	return out, nil
}

func (d *Device) dispatch(ex *execution, desc *device.DispatchRaysDesc) error {
	if ex.pipeline == nil {
		return fmt.Errorf("%w: no pipeline state", ErrNotBound)
	}
	if len(ex.heaps) == 0 {
		return fmt.Errorf("%w: no descriptor heaps", ErrNotBound)
	}
	if err := checkRanges(desc); err != nil {
		return err
	}
	if k := desc.Kernel; k != nil && k.Target() != nil {
		if st := ex.state(k.Target()); st != device.StateUnorderedAccess {
			return fmt.Errorf("%w: kernel target %s is %v", ErrHazard, k.Target().Label(), st)
		}
	}
	for _, h := range ex.heaps {
		for i := range h.Count() {
			v, ok := h.View(i)
			if !ok {
				continue
			}
			if err := d.checkView(ex, v); err != nil {
				return fmt.Errorf("heap entry %d: %w", i, err)
			}
		}
	}
	d.stats.Dispatches++
	dd := *desc
	d.lastDispatch = &dd
	return nil
}

func (d *Device) checkView(ex *execution, v device.View) error {
	switch v.Kind {
	case device.ViewUAV:
		if v.Texture != nil {
			if st := ex.state(v.Texture); st != device.StateUnorderedAccess {
				return fmt.Errorf("%w: UAV %s is %v", ErrHazard, v.Texture.Label(), st)
			}
		}
	case device.ViewAccelerationStructure:
		s, ok := d.structures[v.Location]
		if !ok || s.Type != device.TopLevel {
			return fmt.Errorf("%w: view at %#x", ErrUnknownStructure, uint64(v.Location))
		}
		if ex.pending[s.Buffer] {
			return fmt.Errorf("%w: %s traced before UAV barrier", ErrHazard, s.Buffer.Label())
		}
	}
	return nil
}

func checkRanges(desc *device.DispatchRaysDesc) error {
	if desc.RayGeneration.Size == 0 {
		return fmt.Errorf("%w: empty ray generation record", ErrDispatchRange)
	}
	if uint64(desc.RayGeneration.Start)%device.ShaderTableAlignment != 0 {
		return fmt.Errorf("%w: ray generation at %#x", ErrDispatchRange, uint64(desc.RayGeneration.Start))
	}
	for _, r := range []struct {
		name string
		rng  device.StridedAddressRange
	}{
		{"miss", desc.Miss},
		{"hit group", desc.HitGroup},
		{"callable", desc.Callable},
	} {
		if r.rng.Size == 0 {
			continue
		}
		if uint64(r.rng.Start)%device.ShaderTableAlignment != 0 {
			return fmt.Errorf("%w: %s table at %#x", ErrDispatchRange, r.name, uint64(r.rng.Start))
		}
		if r.rng.Stride == 0 || r.rng.Stride%device.ShaderRecordAlignment != 0 {
			return fmt.Errorf("%w: %s stride %d", ErrDispatchRange, r.name, r.rng.Stride)
		}
		if r.rng.Size%r.rng.Stride != 0 {
			return fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrDispatchRange, r.name, r.rng.Size, r.rng.Stride)
		}
	}
	return nil
}
