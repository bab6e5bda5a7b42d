package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/internal/logging"
)

// Command recording errors.
var (
	// ErrListClosed is returned when recording into a closed command list.
	ErrListClosed = errors.New("device: command list is closed")

	// ErrListRecording is returned when resetting or submitting a list that
	// is still open, or closing it twice.
	ErrListRecording = errors.New("device: command list is recording")

	// ErrAllocatorInUse is returned when resetting an allocator whose
	// command lists may still be executing.
	ErrAllocatorInUse = errors.New("device: command allocator is in use by the GPU")

	// ErrInvalidTransition is returned when a transition's before-state does
	// not match the tracked state of the resource.
	ErrInvalidTransition = errors.New("device: invalid resource transition")

	// ErrInvalidCommand is returned for commands with missing arguments.
	ErrInvalidCommand = errors.New("device: invalid command")
)

// CommandKind identifies a recorded command.
type CommandKind int

const (
	CmdUAVBarrier CommandKind = iota
	CmdTransition
	CmdBuildAccelerationStructure
	CmdSetDescriptorHeaps
	CmdSetComputeRootSignature
	CmdSetPipelineState
	CmdDispatchRays
	CmdCopyResource
)

// String returns the string representation of CommandKind.
func (k CommandKind) String() string {
	switch k {
	case CmdUAVBarrier:
		return "UAVBarrier"
	case CmdTransition:
		return "Transition"
	case CmdBuildAccelerationStructure:
		return "BuildAccelerationStructure"
	case CmdSetDescriptorHeaps:
		return "SetDescriptorHeaps"
	case CmdSetComputeRootSignature:
		return "SetComputeRootSignature"
	case CmdSetPipelineState:
		return "SetPipelineState"
	case CmdDispatchRays:
		return "DispatchRays"
	case CmdCopyResource:
		return "CopyResource"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Command is one recorded command. Only the fields of Kind are set.
type Command struct {
	Kind CommandKind

	// UAVBarrier, Transition, CopyResource (as destination).
	Resource Resource
	// CopyResource source.
	Source Resource

	Before ResourceState
	After  ResourceState

	Build    *BuildDesc
	Heaps    []*DescriptorHeap
	RootSig  *RootSignature
	Pipeline StateObject
	Dispatch *DispatchRaysDesc
}

// CommandAllocator owns the memory of the command lists recorded from it.
// It may be reset only after the GPU has finished with every list it
// backed.
type CommandAllocator struct {
	ctx     *Context
	pending []hal.CommandBuffer

	// fenceValue is the submission that last used the allocator.
	fenceValue uint64
}

// CreateCommandAllocator creates an empty command allocator.
func (c *Context) CreateCommandAllocator() (*CommandAllocator, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	return &CommandAllocator{ctx: c}, nil
}

// FenceValue returns the submission that last used the allocator.
func (a *CommandAllocator) FenceValue() uint64 { return a.fenceValue }

// Reset releases the command buffers of completed submissions.
func (a *CommandAllocator) Reset() error {
	if a.fenceValue > a.ctx.Completed() {
		return fmt.Errorf("%w: submission %d not complete (completed %d)",
			ErrAllocatorInUse, a.fenceValue, a.ctx.Completed())
	}
	for _, cb := range a.pending {
		a.ctx.device.FreeCommandBuffer(cb)
	}
	a.pending = a.pending[:0]
	return nil
}

// CommandList records commands against a hal command encoder. Commands the
// hal cannot express are kept in the list and executed by the ray-tracing
// extension on submission.
type CommandList struct {
	ctx       *Context
	alloc     *CommandAllocator
	label     string
	encoder   hal.CommandEncoder
	recording bool
	ready     bool
	closed    hal.CommandBuffer
	cmds      []Command
}

// CreateCommandList creates a command list in the recording state.
func (c *Context) CreateCommandList(alloc *CommandAllocator, label string) (*CommandList, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label,
	})
	if err != nil {
		return nil, fmt.Errorf("create command encoder %s: %w", label, err)
	}
	l := &CommandList{ctx: c, label: label, encoder: encoder}
	if err := l.Reset(alloc); err != nil {
		return nil, err
	}
	return l, nil
}

// Label returns the debug label.
func (l *CommandList) Label() string { return l.label }

// Recording reports whether the list accepts commands.
func (l *CommandList) Recording() bool { return l.recording }

// Commands returns the commands recorded since the last Reset.
func (l *CommandList) Commands() []Command { return l.cmds }

// Reset starts a new recording backed by alloc.
func (l *CommandList) Reset(alloc *CommandAllocator) error {
	if l.recording {
		return fmt.Errorf("%w: %s", ErrListRecording, l.label)
	}
	if alloc == nil {
		return fmt.Errorf("%w: nil allocator", ErrInvalidCommand)
	}
	if err := l.encoder.BeginEncoding(l.label); err != nil {
		return fmt.Errorf("begin encoding %s: %w", l.label, err)
	}
	l.alloc = alloc
	l.recording = true
	l.ready = false
	l.closed = nil
	l.cmds = l.cmds[:0]
	return nil
}

// Close ends recording. The list may then be submitted.
func (l *CommandList) Close() error {
	if !l.recording {
		return fmt.Errorf("%w: %s closed twice", ErrListRecording, l.label)
	}
	cb, err := l.encoder.EndEncoding()
	if err != nil {
		l.recording = false
		return fmt.Errorf("end encoding %s: %w", l.label, err)
	}
	l.closed = cb
	if cb != nil {
		l.alloc.pending = append(l.alloc.pending, cb)
	}
	l.recording = false
	l.ready = true
	return nil
}

// Abort discards the current recording and restores the tracked state of
// every resource it transitioned. The list must be Reset before reuse.
func (l *CommandList) Abort() {
	if !l.recording {
		return
	}
	for i := len(l.cmds) - 1; i >= 0; i-- {
		if cmd := l.cmds[i]; cmd.Kind == CmdTransition {
			cmd.Resource.setState(cmd.Before)
		}
	}
	l.encoder.DiscardEncoding()
	l.recording = false
	l.ready = false
	l.cmds = l.cmds[:0]
}

func (l *CommandList) record(cmd Command) error {
	if !l.recording {
		return fmt.Errorf("%w: %s: %v", ErrListClosed, l.label, cmd.Kind)
	}
	l.cmds = append(l.cmds, cmd)
	return nil
}

// UAVBarrier orders unordered-access writes to res before later accesses.
func (l *CommandList) UAVBarrier(res Resource) error {
	if res == nil {
		return fmt.Errorf("%w: UAV barrier on nil resource", ErrInvalidCommand)
	}
	return l.record(Command{Kind: CmdUAVBarrier, Resource: res})
}

// Transition moves res from before to after. The tracked state of res is
// updated at record time.
func (l *CommandList) Transition(res Resource, before, after ResourceState) error {
	if res == nil {
		return fmt.Errorf("%w: transition of nil resource", ErrInvalidCommand)
	}
	if res.State() != before {
		return fmt.Errorf("%w: %s is %v, not %v", ErrInvalidTransition, res.Label(), res.State(), before)
	}
	if err := l.record(Command{Kind: CmdTransition, Resource: res, Before: before, After: after}); err != nil {
		return err
	}
	if tex, ok := res.(*Texture); ok && tex.raw != nil {
		l.encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: tex.raw,
			Usage: hal.TextureUsageTransition{
				OldUsage: before.textureUsage(),
				NewUsage: after.textureUsage(),
			},
		}})
	}
	res.setState(after)
	return nil
}

// BuildAccelerationStructure records an acceleration structure build.
func (l *CommandList) BuildAccelerationStructure(desc *BuildDesc) error {
	if desc == nil || desc.Dest == nil || desc.Scratch == nil {
		return fmt.Errorf("%w: build without destination or scratch", ErrInvalidCommand)
	}
	if desc.Inputs.Flags&BuildFlagPerformUpdate != 0 && desc.Source == nil {
		return fmt.Errorf("%w: update without source", ErrInvalidCommand)
	}
	if desc.Inputs.Type == TopLevel && desc.Inputs.InstanceCount > 0 && desc.Instances == nil {
		return fmt.Errorf("%w: top-level build without instances", ErrInvalidCommand)
	}
	d := *desc
	return l.record(Command{Kind: CmdBuildAccelerationStructure, Build: &d})
}

// SetDescriptorHeaps binds the shader-visible descriptor heaps.
func (l *CommandList) SetDescriptorHeaps(heaps ...*DescriptorHeap) error {
	for _, h := range heaps {
		if h == nil || !h.shaderVisible {
			return fmt.Errorf("%w: heap is nil or not shader visible", ErrInvalidCommand)
		}
	}
	hs := make([]*DescriptorHeap, len(heaps))
	copy(hs, heaps)
	return l.record(Command{Kind: CmdSetDescriptorHeaps, Heaps: hs})
}

// SetComputeRootSignature binds the global root signature.
func (l *CommandList) SetComputeRootSignature(rs *RootSignature) error {
	if rs == nil {
		return fmt.Errorf("%w: nil root signature", ErrInvalidCommand)
	}
	return l.record(Command{Kind: CmdSetComputeRootSignature, RootSig: rs})
}

// SetPipelineState binds a ray-tracing state object.
func (l *CommandList) SetPipelineState(so StateObject) error {
	if so == nil {
		return fmt.Errorf("%w: nil state object", ErrInvalidCommand)
	}
	return l.record(Command{Kind: CmdSetPipelineState, Pipeline: so})
}

// DispatchRays launches Width x Height x Depth ray-generation invocations.
// A kernel in desc is encoded into the hal command buffer as a compute
// pass.
func (l *CommandList) DispatchRays(desc *DispatchRaysDesc) error {
	if desc == nil || desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		return fmt.Errorf("%w: empty dispatch", ErrInvalidCommand)
	}
	if k := desc.Kernel; k != nil {
		if k.target == nil || k.target.raw == nil {
			return fmt.Errorf("%w: %s", ErrKernelUnbound, k.label)
		}
		if k.target.state != StateUnorderedAccess {
			return fmt.Errorf("%w: %s is %v, not %v", ErrInvalidTransition,
				k.target.label, k.target.state, StateUnorderedAccess)
		}
	}
	d := *desc
	if err := l.record(Command{Kind: CmdDispatchRays, Dispatch: &d}); err != nil {
		return err
	}
	if desc.Kernel != nil {
		desc.Kernel.encode(l.encoder, desc.Width, desc.Height, desc.Depth)
	}
	return nil
}

// CopyResource copies the whole of src into dst. Buffer to buffer and
// texture to texture copies are encoded into the hal command buffer.
func (l *CommandList) CopyResource(dst, src Resource) error {
	if dst == nil || src == nil {
		return fmt.Errorf("%w: copy with nil resource", ErrInvalidCommand)
	}
	if dst.State() != StateCopyDest || src.State() != StateCopySource {
		return fmt.Errorf("%w: copy %s (%v) -> %s (%v)",
			ErrInvalidTransition, src.Label(), src.State(), dst.Label(), dst.State())
	}
	switch d := dst.(type) {
	case *Buffer:
		s, ok := src.(*Buffer)
		if !ok {
			return fmt.Errorf("%w: copy %s into buffer %s", ErrInvalidCommand, src.Label(), d.label)
		}
		if err := l.record(Command{Kind: CmdCopyResource, Resource: dst, Source: src}); err != nil {
			return err
		}
		if d.raw != nil && s.raw != nil {
			l.encoder.CopyBufferToBuffer(s.raw, d.raw, []hal.BufferCopy{{
				SrcOffset: 0,
				DstOffset: 0,
				Size:      AlignUp(min(d.size, s.size), 4),
			}})
		}
	case *Texture:
		s, ok := src.(*Texture)
		if !ok {
			return fmt.Errorf("%w: copy %s into texture %s", ErrInvalidCommand, src.Label(), d.label)
		}
		if s.width != d.width || s.height != d.height || s.format != d.format {
			return fmt.Errorf("%w: copy %s (%dx%d %v) into %s (%dx%d %v)", ErrInvalidCommand,
				s.label, s.width, s.height, s.format, d.label, d.width, d.height, d.format)
		}
		if err := l.record(Command{Kind: CmdCopyResource, Resource: dst, Source: src}); err != nil {
			return err
		}
		if d.raw != nil && s.raw != nil {
			l.encoder.CopyTextureToTexture(s.raw, d.raw, []hal.TextureCopy{{
				SrcBase: hal.ImageCopyTexture{Texture: s.raw, Aspect: gputypes.TextureAspectAll},
				DstBase: hal.ImageCopyTexture{Texture: d.raw, Aspect: gputypes.TextureAspectAll},
				Size:    hal.Extent3D{Width: d.width, Height: d.height, DepthOrArrayLayers: 1},
			}})
		}
	default:
		if err := l.record(Command{Kind: CmdCopyResource, Resource: dst, Source: src}); err != nil {
			return err
		}
	}
	return nil
}

// Submit executes a closed command list and signals the next fence value,
// which is returned. The list's allocator is tagged with that value.
func (c *Context) Submit(list *CommandList) (uint64, error) {
	if c.closed {
		return 0, ErrContextClosed
	}
	if list.recording {
		list.Abort()
		return 0, fmt.Errorf("%w: %s submitted before Close", ErrListRecording, list.label)
	}
	if !list.ready {
		return 0, fmt.Errorf("%w: %s has nothing to submit", ErrInvalidCommand, list.label)
	}
	list.ready = false
	if err := c.rt.Execute(list.cmds); err != nil {
		return 0, fmt.Errorf("execute %s: %w", list.label, err)
	}
	var cmds []hal.CommandBuffer
	if list.closed != nil {
		cmds = append(cmds, list.closed)
	}
	value, err := c.fence.submit(cmds)
	if err != nil {
		return 0, err
	}
	list.alloc.fenceValue = value
	list.closed = nil
	logging.Logger().Debug("device: submitted", "list", list.label, "commands", len(list.cmds), "fence", value)
	return value, nil
}
