// Package device is the GPU resource context shared by the acceleration
// structure, pipeline and shader table builders.
//
// A Context owns the hal device and queue, the submission fence and the
// emulated GPU virtual address space. Everything the wgpu hal cannot express
// (acceleration structures, ray-tracing state objects, shader identifiers,
// ray dispatch) goes through the RayTracing extension interface.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/internal/logging"
)

// Context errors.
var (
	// ErrRayTracingUnsupported is returned when the device does not expose
	// a ray-tracing tier. There is no non-ray-traced fallback.
	ErrRayTracingUnsupported = errors.New("device: ray tracing is not supported")

	// ErrFeatureLevel is returned when the device feature level is below 12.1.
	ErrFeatureLevel = errors.New("device: feature level 12.1 is required")

	// ErrNilDevice is returned when the hal device or queue is nil.
	ErrNilDevice = errors.New("device: hal device or queue is nil")

	// ErrInvalidSize is returned for zero-sized resources.
	ErrInvalidSize = errors.New("device: invalid resource size")

	// ErrContextClosed is returned when using a closed context.
	ErrContextClosed = errors.New("device: context is closed")
)

const (
	// addressBase is the first emulated GPU virtual address.
	addressBase GPUAddress = 1 << 32

	// addressAlignment is the placement alignment of committed resources.
	addressAlignment = 256

	// cpuHandleBase is the first CPU descriptor handle.
	cpuHandleBase CPUHandle = 1 << 20
)

// Context is the GPU resource context. It is passed explicitly to every
// builder; builders return owned handles and never keep the context.
//
// Context is not safe for concurrent use except for the address
// bookkeeping, which is guarded so that resources may be looked up from a
// RayTracing implementation while commands execute.
type Context struct {
	device hal.Device
	queue  hal.Queue
	rt     RayTracing
	fence  *Fence

	mu         sync.Mutex
	nextAddr   GPUAddress
	nextCPU    CPUHandle
	buffers    map[GPUAddress]*Buffer
	closed     bool
	ownsDevice bool
}

// NewContext creates a context over an open hal device and queue. It fails
// fast when rt does not report ray-tracing support or the feature level is
// below 12.1.
func NewContext(device hal.Device, queue hal.Queue, rt RayTracing) (*Context, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	if rt == nil {
		return nil, fmt.Errorf("%w: no ray-tracing extension", ErrRayTracingUnsupported)
	}
	if tier := rt.Tier(); tier < Tier1_0 {
		return nil, fmt.Errorf("%w: device reports %v", ErrRayTracingUnsupported, tier)
	}
	if level := rt.FeatureLevel(); level < FeatureLevel12_1 {
		return nil, fmt.Errorf("%w: device reports %v", ErrFeatureLevel, level)
	}

	fence, err := newFence(device, queue)
	if err != nil {
		return nil, err
	}

	c := &Context{
		device:   device,
		queue:    queue,
		rt:       rt,
		fence:    fence,
		nextAddr: addressBase,
		nextCPU:  cpuHandleBase,
		buffers:  make(map[GPUAddress]*Buffer),
	}
	logging.Logger().Info("device: context created", "tier", rt.Tier(), "featureLevel", rt.FeatureLevel())
	return c, nil
}

// SetOwnsDevice marks the hal device as owned by the context, so Close
// destroys it.
func (c *Context) SetOwnsDevice(owns bool) { c.ownsDevice = owns }

// RayTracing returns the ray-tracing extension of the context.
func (c *Context) RayTracing() RayTracing { return c.rt }

// HAL returns the underlying hal device and queue.
func (c *Context) HAL() (hal.Device, hal.Queue) { return c.device, c.queue }

// Fence returns the context's single submission fence.
func (c *Context) Fence() *Fence { return c.fence }

// Submitted returns the last fence value signaled by a submission.
func (c *Context) Submitted() uint64 { return c.fence.Submitted() }

// Completed returns the highest fence value known to be reached by the GPU.
func (c *Context) Completed() uint64 { return c.fence.Completed() }

// Wait blocks until the fence reaches value.
func (c *Context) Wait(value uint64) error { return c.fence.Wait(value) }

// BufferAt resolves a GPU virtual address to the buffer placed there.
// Addresses inside a buffer resolve to that buffer.
func (c *Context) BufferAt(addr GPUAddress) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[addr]; ok {
		return b, true
	}
	for base, b := range c.buffers {
		if addr > base && uint64(addr-base) < b.size {
			return b, true
		}
	}
	return nil, false
}

// allocAddress reserves size bytes of GPU virtual address space.
func (c *Context) allocAddress(size uint64) GPUAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.nextAddr
	c.nextAddr += GPUAddress(AlignUp(size, addressAlignment))
	return addr
}

// allocCPU reserves size bytes of CPU descriptor handle space.
func (c *Context) allocCPU(size uint64) CPUHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.nextCPU
	c.nextCPU += CPUHandle(AlignUp(size, addressAlignment))
	return h
}

func (c *Context) track(b *Buffer) {
	c.mu.Lock()
	c.buffers[b.addr] = b
	c.mu.Unlock()
}

func (c *Context) untrack(b *Buffer) {
	c.mu.Lock()
	delete(c.buffers, b.addr)
	c.mu.Unlock()
}

// Close waits for all submitted work and releases the fence. The hal device
// is destroyed only when the context owns it.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	err := c.fence.Wait(c.fence.Submitted())
	c.fence.destroy()
	c.closed = true
	if c.ownsDevice {
		c.device.Destroy()
	}
	return err
}

// AlignUp rounds v up to the next multiple of alignment.
// alignment must be a power of two.
func AlignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
