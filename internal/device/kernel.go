package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/internal/logging"
)

// ErrKernelUnbound is returned when dispatching a kernel without a target.
var ErrKernelUnbound = errors.New("device: kernel has no target texture")

// KernelDesc describes a compute kernel that runs one entry point of a
// shader library over a write-only storage texture at group 0 binding 0.
type KernelDesc struct {
	Label      string
	Module     hal.ShaderModule
	EntryPoint string

	// Workgroup is the x and y workgroup size declared by the entry point.
	// Zero components are treated as 1.
	Workgroup [2]uint32

	// Format is the storage texture format.
	Format gputypes.TextureFormat
}

// Kernel is a hal compute pipeline executing the ray-generation shader of a
// library, one invocation per launched pixel. It takes ownership of the
// shader module.
type Kernel struct {
	ctx        *Context
	label      string
	entryPoint string
	workgroup  [2]uint32
	format     gputypes.TextureFormat

	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline

	target    *Texture
	view      hal.TextureView
	bindGroup hal.BindGroup
}

// CreateKernel creates the compute pipeline of desc.
func (c *Context) CreateKernel(desc *KernelDesc) (*Kernel, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if desc == nil || desc.Module == nil || desc.EntryPoint == "" {
		return nil, fmt.Errorf("%w: kernel without module or entry point", ErrInvalidCommand)
	}
	k := &Kernel{
		ctx:        c,
		label:      desc.Label,
		entryPoint: desc.EntryPoint,
		workgroup:  [2]uint32{max(desc.Workgroup[0], 1), max(desc.Workgroup[1], 1)},
		format:     desc.Format,
		module:     desc.Module,
	}

	var err error
	k.bindLayout, err = c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: desc.Label + "_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageCompute,
			StorageTexture: &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        desc.Format,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		}},
	})
	if err != nil {
		k.Destroy()
		return nil, fmt.Errorf("create kernel bind group layout %s: %w", desc.Label, err)
	}
	k.pipeLayout, err = c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{k.bindLayout},
	})
	if err != nil {
		k.Destroy()
		return nil, fmt.Errorf("create kernel pipeline layout %s: %w", desc.Label, err)
	}
	k.pipeline, err = c.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label + "_pipeline",
		Layout:  k.pipeLayout,
		Compute: hal.ComputeState{Module: desc.Module, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		k.Destroy()
		return nil, fmt.Errorf("create kernel pipeline %s: %w", desc.Label, err)
	}

	logging.Logger().Debug("device: kernel created", "label", desc.Label, "entry", desc.EntryPoint,
		"workgroup", k.workgroup)
	return k, nil
}

// EntryPoint returns the entry point the kernel runs.
func (k *Kernel) EntryPoint() string { return k.entryPoint }

// Workgroup returns the x and y workgroup size.
func (k *Kernel) Workgroup() [2]uint32 { return k.workgroup }

// Target returns the bound storage texture, or nil.
func (k *Kernel) Target() *Texture { return k.target }

// Bind makes target the storage texture written by the kernel, replacing
// any previous target. target must allow unordered access and have the
// kernel's format.
func (k *Kernel) Bind(target *Texture) error {
	if target == nil || target.raw == nil {
		return fmt.Errorf("%w: nil or destroyed target", ErrInvalidCommand)
	}
	if target.flags&FlagAllowUnorderedAccess == 0 {
		return fmt.Errorf("%w: %s does not allow unordered access", ErrInvalidCommand, target.label)
	}
	if target.format != k.format {
		return fmt.Errorf("%w: %s is %v, kernel writes %v", ErrInvalidCommand, target.label, target.format, k.format)
	}

	view, err := k.ctx.device.CreateTextureView(target.raw, &hal.TextureViewDescriptor{
		Label:     target.label + "_storage",
		Format:    target.format,
		Dimension: gputypes.TextureViewDimension2D,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		return fmt.Errorf("create storage view %s: %w", target.label, err)
	}
	group, err := k.ctx.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  k.label + "_bind",
		Layout: k.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()}},
		},
	})
	if err != nil {
		k.ctx.device.DestroyTextureView(view)
		return fmt.Errorf("create kernel bind group %s: %w", k.label, err)
	}

	k.unbind()
	k.target, k.view, k.bindGroup = target, view, group
	return nil
}

func (k *Kernel) unbind() {
	if k.bindGroup != nil {
		k.ctx.device.DestroyBindGroup(k.bindGroup)
		k.bindGroup = nil
	}
	if k.view != nil {
		k.ctx.device.DestroyTextureView(k.view)
		k.view = nil
	}
	k.target = nil
}

// encode records one compute pass covering width x height x depth
// invocations.
func (k *Kernel) encode(encoder hal.CommandEncoder, width, height, depth uint32) {
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: k.label})
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.Dispatch((width+k.workgroup[0]-1)/k.workgroup[0], (height+k.workgroup[1]-1)/k.workgroup[1], depth)
	pass.End()
}

// Destroy releases the kernel and its shader module. The caller must ensure
// the GPU no longer uses it.
func (k *Kernel) Destroy() {
	if k.module == nil {
		return
	}
	k.unbind()
	d := k.ctx.device
	if k.pipeline != nil {
		d.DestroyComputePipeline(k.pipeline)
	}
	if k.pipeLayout != nil {
		d.DestroyPipelineLayout(k.pipeLayout)
	}
	if k.bindLayout != nil {
		d.DestroyBindGroupLayout(k.bindLayout)
	}
	d.DestroyShaderModule(k.module)
	k.module = nil
}
