package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/internal/logging"
)

// Resource errors.
var (
	// ErrNotUploadHeap is returned when writing host data into a buffer
	// that does not live in the upload heap.
	ErrNotUploadHeap = errors.New("device: buffer is not host visible")

	// ErrWriteOutOfRange is returned when a write exceeds the buffer size.
	ErrWriteOutOfRange = errors.New("device: write out of buffer range")

	// ErrResourceDestroyed is returned when operating on a destroyed resource.
	ErrResourceDestroyed = errors.New("device: resource has been destroyed")
)

// GPUAddress is a GPU virtual address.
type GPUAddress uint64

// CPUHandle is a CPU descriptor handle.
type CPUHandle uint64

// GPUHandle is a shader-visible GPU descriptor handle.
type GPUHandle uint64

// HeapType selects the memory a committed resource is placed in.
type HeapType int

const (
	// HeapDefault is device-local memory, not host visible.
	HeapDefault HeapType = iota
	// HeapUpload is host-visible memory read by the GPU.
	HeapUpload
)

// String returns the string representation of HeapType.
func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "Default"
	case HeapUpload:
		return "Upload"
	default:
		return fmt.Sprintf("Unknown(%d)", int(h))
	}
}

// ResourceFlags are creation flags of a committed resource.
type ResourceFlags uint32

const (
	// FlagNone requests no special access.
	FlagNone ResourceFlags = 0
	// FlagAllowUnorderedAccess allows UAV access and UAV barriers.
	FlagAllowUnorderedAccess ResourceFlags = 1 << 0
)

// ResourceState is the usage state a resource is in on the GPU timeline.
type ResourceState int

const (
	StateCommon ResourceState = iota
	StateGenericRead
	StateUnorderedAccess
	StateAccelerationStructure
	StateCopySource
	StateCopyDest
	StateRenderTarget
	StatePresent
)

// String returns the string representation of ResourceState.
func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "Common"
	case StateGenericRead:
		return "GenericRead"
	case StateUnorderedAccess:
		return "UnorderedAccess"
	case StateAccelerationStructure:
		return "AccelerationStructure"
	case StateCopySource:
		return "CopySource"
	case StateCopyDest:
		return "CopyDest"
	case StateRenderTarget:
		return "RenderTarget"
	case StatePresent:
		return "Present"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// textureUsage maps a resource state to the hal texture usage used for
// barrier translation.
func (s ResourceState) textureUsage() gputypes.TextureUsage {
	switch s {
	case StateCopySource:
		return gputypes.TextureUsageCopySrc
	case StateCopyDest:
		return gputypes.TextureUsageCopyDst
	case StateRenderTarget, StatePresent:
		return gputypes.TextureUsageRenderAttachment
	case StateUnorderedAccess:
		return gputypes.TextureUsageStorageBinding
	default:
		return gputypes.TextureUsageTextureBinding
	}
}

// Resource is implemented by Buffer and Texture.
type Resource interface {
	Label() string
	State() ResourceState
	setState(ResourceState)
}

// Buffer is a committed buffer resource.
type Buffer struct {
	ctx   *Context
	raw   hal.Buffer
	label string
	size  uint64
	heap  HeapType
	flags ResourceFlags
	state ResourceState
	addr  GPUAddress

	// data mirrors the contents of upload-heap buffers.
	data []byte
}

// CreateBuffer allocates a committed buffer with an explicit heap type,
// flags and initial state.
func (c *Context) CreateBuffer(label string, size uint64, flags ResourceFlags, state ResourceState, heap HeapType) (*Buffer, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSize, label)
	}

	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	raw, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  AlignUp(size, 4),
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", label, err)
	}

	b := &Buffer{
		ctx:   c,
		raw:   raw,
		label: label,
		size:  size,
		heap:  heap,
		flags: flags,
		state: state,
		addr:  c.allocAddress(size),
	}
	if heap == HeapUpload {
		b.data = make([]byte, AlignUp(size, 4))
	}
	c.track(b)

	logging.Logger().Debug("device: buffer created",
		"label", label, "size", size, "heap", heap, "state", state, "addr", fmt.Sprintf("%#x", uint64(b.addr)))
	return b, nil
}

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Heap returns the heap the buffer lives in.
func (b *Buffer) Heap() HeapType { return b.heap }

// Flags returns the creation flags.
func (b *Buffer) Flags() ResourceFlags { return b.flags }

// State returns the tracked resource state.
func (b *Buffer) State() ResourceState { return b.state }

func (b *Buffer) setState(s ResourceState) { b.state = s }

// GPUAddress returns the GPU virtual address of the first byte.
func (b *Buffer) GPUAddress() GPUAddress { return b.addr }

// Raw returns the underlying hal buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Bytes returns a copy of the host-visible contents, or nil for buffers
// outside the upload heap.
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	out := make([]byte, b.size)
	copy(out, b.data)
	return out
}

// Write copies p into the buffer at offset and uploads the buffer.
func (b *Buffer) Write(offset uint64, p []byte) error {
	if b.raw == nil {
		return ErrResourceDestroyed
	}
	if b.heap != HeapUpload {
		return fmt.Errorf("%w: %s is in the %v heap", ErrNotUploadHeap, b.label, b.heap)
	}
	if offset+uint64(len(p)) > b.size {
		return fmt.Errorf("%w: %s: %d+%d > %d", ErrWriteOutOfRange, b.label, offset, len(p), b.size)
	}
	copy(b.data[offset:], p)
	b.ctx.queue.WriteBuffer(b.raw, 0, b.data)
	return nil
}

// Destroy releases the buffer. The caller must ensure the GPU no longer
// uses it.
func (b *Buffer) Destroy() {
	if b.raw == nil {
		return
	}
	b.ctx.untrack(b)
	b.ctx.device.DestroyBuffer(b.raw)
	b.raw = nil
}

// Texture is a committed 2D texture resource.
type Texture struct {
	ctx    *Context
	raw    hal.Texture
	label  string
	width  uint32
	height uint32
	format gputypes.TextureFormat
	flags  ResourceFlags
	state  ResourceState
}

// CreateTexture2D allocates a committed single-mip 2D texture.
func (c *Context) CreateTexture2D(label string, width, height uint32, format gputypes.TextureFormat, flags ResourceFlags, state ResourceState) (*Texture, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %s is %dx%d", ErrInvalidSize, label, width, height)
	}

	usage := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding
	if state == StatePresent || state == StateRenderTarget {
		usage |= gputypes.TextureUsageRenderAttachment
	}
	if flags&FlagAllowUnorderedAccess != 0 {
		usage |= gputypes.TextureUsageStorageBinding
	}
	raw, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create texture %s: %w", label, err)
	}

	logging.Logger().Debug("device: texture created", "label", label, "width", width, "height", height, "state", state)
	return &Texture{
		ctx:    c,
		raw:    raw,
		label:  label,
		width:  width,
		height: height,
		format: format,
		flags:  flags,
		state:  state,
	}, nil
}

// Label returns the debug label.
func (t *Texture) Label() string { return t.label }

// Size returns the texture extent.
func (t *Texture) Size() (uint32, uint32) { return t.width, t.height }

// Format returns the pixel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

// Flags returns the creation flags.
func (t *Texture) Flags() ResourceFlags { return t.flags }

// State returns the tracked resource state.
func (t *Texture) State() ResourceState { return t.state }

func (t *Texture) setState(s ResourceState) { t.state = s }

// Raw returns the underlying hal texture.
func (t *Texture) Raw() hal.Texture { return t.raw }

// Destroy releases the texture.
func (t *Texture) Destroy() {
	if t.raw == nil {
		return
	}
	t.ctx.device.DestroyTexture(t.raw)
	t.raw = nil
}
