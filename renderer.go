package raytrace

import (
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/raytrace/internal/accel"
	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/device/reference"
	"github.com/gogpu/raytrace/internal/frame"
	"github.com/gogpu/raytrace/internal/pipeline"
	"github.com/gogpu/raytrace/internal/shader"
	"github.com/gogpu/raytrace/internal/shadertable"
)

// outputFormat is the format of the ray-traced image and the back buffers.
const outputFormat = gputypes.TextureFormatRGBA8Unorm

// DrawFunc is called synchronously at the start of every frame with the
// resolved target extent. A non-nil error aborts the frame.
type DrawFunc func(width, height uint32) error

// Renderer ray traces the default scene into a ring of back buffers.
//
// Renderer is not safe for concurrent use. All methods must be called from
// the goroutine that records frames.
type Renderer struct {
	opts          options
	width, height uint32

	instance hal.Instance
	ctx      *device.Context
	chain    *device.Swapchain
	sched    *frame.Scheduler

	scene  *scene
	tlas   *accel.TopLevel
	lib    *shader.Library
	sigs   *rootSignatures
	pipe   *pipeline.Pipeline
	output *device.Texture
	heap   *device.DescriptorHeap
	table  *shadertable.Table
	tblBuf *device.Buffer

	rotation float32
	rebuilds uint64
	stats    *frameStats
	closed   bool
}

// New creates a renderer of the given size. It opens the device, builds
// the acceleration structures and waits for them, then creates the
// pipeline and shader table.
func New(width, height uint32, opts ...Option) (*Renderer, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidExtent, width, height)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Renderer{opts: o, width: width, height: height}
	if err := r.init(); err != nil {
		r.release()
		return nil, err
	}
	slogger().Info("raytrace: renderer ready",
		"width", width, "height", height,
		"ring", o.ringSize,
		"hitRecords", r.table.HitCount(),
		"stride", r.table.Stride())
	return r, nil
}

func (r *Renderer) init() error {
	if err := r.openDevice(); err != nil {
		return err
	}

	var err error
	if r.chain, err = r.ctx.CreateSwapchain(r.width, r.height, r.opts.ringSize, outputFormat); err != nil {
		return fmt.Errorf("create swapchain: %w", err)
	}
	if r.sched, err = frame.New(r.ctx, r.ctx, r.chain); err != nil {
		return err
	}

	list := r.sched.List()
	if r.scene, err = newScene(r.ctx, list); err != nil {
		return err
	}
	if r.tlas, err = accel.BuildTopLevel(r.ctx, list, r.scene.instances, r.rotation, nil, false); err != nil {
		return fmt.Errorf("top-level structure: %w", err)
	}
	if err := r.sched.Flush(); err != nil {
		return fmt.Errorf("build acceleration structures: %w", err)
	}

	if r.lib, err = r.loadLibrary(); err != nil {
		return err
	}
	if r.sigs, err = createRootSignatures(r.ctx); err != nil {
		return err
	}
	if r.pipe, err = buildScenePipeline(r.ctx, r.lib, r.sigs); err != nil {
		return err
	}

	if r.output, err = r.ctx.CreateTexture2D("output", r.width, r.height, outputFormat,
		device.FlagAllowUnorderedAccess, device.StateCopySource); err != nil {
		return err
	}
	if r.heap, err = r.ctx.CreateDescriptorHeap(device.HeapCBVSRVUAV, 2, true); err != nil {
		return err
	}
	if _, err := r.heap.Allocate(device.View{Kind: device.ViewUAV, Texture: r.output}); err != nil {
		return err
	}
	if err := r.pipe.Kernel.Bind(r.output); err != nil {
		return err
	}
	if _, err := r.heap.Allocate(device.View{Kind: device.ViewAccelerationStructure, Location: r.tlas.Address()}); err != nil {
		return err
	}

	if r.table, err = buildShaderTable(r.pipe, r.scene, r.heap); err != nil {
		return fmt.Errorf("shader table: %w", err)
	}
	if r.tblBuf, err = r.table.Upload(r.ctx, "shader-table"); err != nil {
		return err
	}
	r.stats = newFrameStats(r.opts.statsInterval, time.Now)
	return nil
}

// openDevice creates the context over the configured device, or over a
// noop device owned by the renderer.
func (r *Renderer) openDevice() error {
	rt := r.opts.rt
	if rt == nil {
		rt = reference.New(reference.DefaultConfig())
	}

	dev, queue := r.opts.device, r.opts.queue
	owned := false
	switch {
	case r.opts.provider != nil:
		type halProvider interface {
			HalDevice() any
			HalQueue() any
		}
		hp, ok := r.opts.provider.(halProvider)
		if !ok {
			return fmt.Errorf("%w: %T", ErrInvalidProvider, r.opts.provider)
		}
		if dev, ok = hp.HalDevice().(hal.Device); !ok {
			return fmt.Errorf("%w: HalDevice is %T", ErrInvalidProvider, hp.HalDevice())
		}
		if queue, ok = hp.HalQueue().(hal.Queue); !ok {
			return fmt.Errorf("%w: HalQueue is %T", ErrInvalidProvider, hp.HalQueue())
		}
	case dev == nil:
		api := noop.API{}
		instance, err := api.CreateInstance(nil)
		if err != nil {
			return fmt.Errorf("create instance: %w", err)
		}
		r.instance = instance
		adapters := instance.EnumerateAdapters(nil)
		if len(adapters) == 0 {
			return fmt.Errorf("no adapters found")
		}
		openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
		if err != nil {
			return fmt.Errorf("open device: %w", err)
		}
		dev, queue = openDev.Device, openDev.Queue
		owned = true
	}

	ctx, err := device.NewContext(dev, queue, rt)
	if err != nil {
		if owned {
			dev.Destroy()
		}
		return err
	}
	ctx.SetOwnsDevice(owned)
	r.ctx = ctx
	return nil
}

func (r *Renderer) loadLibrary() (*shader.Library, error) {
	c := r.opts.compiler
	switch {
	case r.opts.shaderFile != "":
		return shader.Load(c, r.opts.shaderFile, shader.SceneExports...)
	case r.opts.shaderSource != "":
		lib, err := c.Compile("custom", r.opts.shaderSource)
		if err != nil {
			return nil, err
		}
		if err := lib.Require(shader.SceneExports...); err != nil {
			return nil, err
		}
		return lib, nil
	default:
		return shader.Default(c)
	}
}

// DrawFrame renders one frame of width x height, which must match the
// renderer size. draw may be nil. The frame updates the top-level
// structure, dispatches rays into the output image, copies it into the
// back buffer and presents it, then blocks while the ring is full.
func (r *Renderer) DrawFrame(width, height uint32, draw DrawFunc) error {
	if r.closed {
		return ErrClosed
	}
	if width == 0 || height == 0 || width != r.width || height != r.height {
		return fmt.Errorf("%w: %dx%d, renderer is %dx%d", ErrInvalidExtent, width, height, r.width, r.height)
	}
	if draw != nil {
		if err := draw(width, height); err != nil {
			return err
		}
	}

	err := r.sched.Frame(func(slot *frame.Slot, list *device.CommandList) error {
		return r.record(slot, list, width, height)
	})
	if err != nil {
		return err
	}
	r.rotation += r.opts.rotationStep

	if r.stats.add(uint64(width) * uint64(height)) {
		s := r.Stats()
		slogger().Info("raytrace: frame stats",
			"fps", s.FPS,
			"mrays", s.MRaysPerSec,
			"frames", s.TotalFrames,
			"inFlight", r.sched.InFlight())
	}
	return nil
}

func (r *Renderer) record(slot *frame.Slot, list *device.CommandList, width, height uint32) error {
	n := r.sched.Frames() + 1
	update := r.opts.rebuildEvery == 0 || n%r.opts.rebuildEvery != 0
	tlas, err := accel.BuildTopLevel(r.ctx, list, r.scene.instances, r.rotation, r.tlas, update)
	if err != nil {
		return fmt.Errorf("top-level structure: %w", err)
	}
	r.tlas = tlas
	if !update {
		r.rebuilds++
	}

	if err := list.Transition(r.output, device.StateCopySource, device.StateUnorderedAccess); err != nil {
		return err
	}
	if err := list.SetDescriptorHeaps(r.heap); err != nil {
		return err
	}
	if err := list.SetComputeRootSignature(r.pipe.Global); err != nil {
		return err
	}
	if err := list.SetPipelineState(r.pipe.State); err != nil {
		return err
	}
	dispatch := r.table.DispatchDesc(r.tblBuf.GPUAddress(), width, height)
	dispatch.Kernel = r.pipe.Kernel
	if err := list.DispatchRays(dispatch); err != nil {
		return err
	}

	bb := slot.BackBuffer
	if err := list.Transition(r.output, device.StateUnorderedAccess, device.StateCopySource); err != nil {
		return err
	}
	if err := list.Transition(bb, device.StatePresent, device.StateCopyDest); err != nil {
		return err
	}
	if err := list.CopyResource(bb, r.output); err != nil {
		return err
	}
	return list.Transition(bb, device.StateCopyDest, device.StatePresent)
}

// Size returns the renderer size.
func (r *Renderer) Size() (uint32, uint32) { return r.width, r.height }

// Rotation returns the rotation of spinning instances for the next frame.
func (r *Renderer) Rotation() float32 { return r.rotation }

// InFlight returns the number of submitted frames the GPU has not finished.
func (r *Renderer) InFlight() uint64 { return r.sched.InFlight() }

// Stats returns the statistics of the last completed interval and the
// running totals.
func (r *Renderer) Stats() Stats {
	s := r.stats.last
	s.TotalFrames = r.sched.Frames()
	s.TLASUpdates = r.tlas.Updates()
	s.TLASRebuilds = r.rebuilds
	return s
}

// Close waits for the GPU and releases all resources.
func (r *Renderer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.release()
}

func (r *Renderer) release() error {
	var err error
	if r.sched != nil {
		err = r.sched.Close()
	}
	if r.tblBuf != nil {
		r.tblBuf.Destroy()
	}
	if r.pipe != nil {
		r.pipe.Destroy()
	}
	if r.output != nil {
		r.output.Destroy()
	}
	if r.tlas != nil {
		r.tlas.Destroy()
	}
	if r.scene != nil {
		r.scene.destroy()
	}
	if r.chain != nil {
		r.chain.Destroy()
	}
	if r.ctx != nil {
		if cerr := r.ctx.Close(); err == nil {
			err = cerr
		}
	}
	if r.instance != nil {
		r.instance.Destroy()
		r.instance = nil
	}
	return err
}
