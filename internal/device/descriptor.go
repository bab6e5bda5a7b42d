package device

import (
	"errors"
	"fmt"
)

// Descriptor heap errors.
var (
	// ErrHeapFull is returned when allocating from a full descriptor heap.
	ErrHeapFull = errors.New("device: descriptor heap is full")

	// ErrDescriptorIndex is returned for an out-of-range descriptor index.
	ErrDescriptorIndex = errors.New("device: descriptor index out of range")

	// ErrNotShaderVisible is returned when asking a CPU-only heap for GPU handles.
	ErrNotShaderVisible = errors.New("device: descriptor heap is not shader visible")
)

// DescriptorHeapType is the kind of views a heap stores.
type DescriptorHeapType int

const (
	// HeapCBVSRVUAV stores constant-buffer, shader-resource and
	// unordered-access views.
	HeapCBVSRVUAV DescriptorHeapType = iota
	// HeapRTV stores render-target views.
	HeapRTV
)

// String returns the string representation of DescriptorHeapType.
func (t DescriptorHeapType) String() string {
	switch t {
	case HeapCBVSRVUAV:
		return "CBV_SRV_UAV"
	case HeapRTV:
		return "RTV"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// ViewKind is the kind of a resource view.
type ViewKind int

const (
	ViewUAV ViewKind = iota
	ViewSRV
	ViewCBV
	ViewRTV
	ViewAccelerationStructure
)

// View describes a resource view written into a descriptor heap.
// Acceleration-structure views have no resource, only a Location.
type View struct {
	Kind     ViewKind
	Texture  *Texture
	Buffer   *Buffer
	Location GPUAddress
}

// DescriptorHeap is a table of resource views addressed by index.
type DescriptorHeap struct {
	typ           DescriptorHeapType
	count         uint32
	increment     uint32
	shaderVisible bool
	cpuStart      CPUHandle
	gpuStart      GPUHandle
	used          uint32
	views         []View
	written       []bool
}

// CreateDescriptorHeap allocates a descriptor heap of count entries. The
// handle increment is reported by the ray-tracing extension.
func (c *Context) CreateDescriptorHeap(typ DescriptorHeapType, count uint32, shaderVisible bool) (*DescriptorHeap, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: empty %v heap", ErrInvalidSize, typ)
	}
	inc := c.rt.DescriptorIncrement(typ)
	if inc == 0 {
		return nil, fmt.Errorf("%w: zero descriptor increment for %v", ErrInvalidSize, typ)
	}
	size := uint64(inc) * uint64(count)
	h := &DescriptorHeap{
		typ:           typ,
		count:         count,
		increment:     inc,
		shaderVisible: shaderVisible,
		cpuStart:      c.allocCPU(size),
		views:         make([]View, count),
		written:       make([]bool, count),
	}
	if shaderVisible {
		h.gpuStart = GPUHandle(c.allocAddress(size))
	}
	return h, nil
}

// Type returns the heap type.
func (h *DescriptorHeap) Type() DescriptorHeapType { return h.typ }

// Count returns the number of descriptors in the heap.
func (h *DescriptorHeap) Count() uint32 { return h.count }

// Increment returns the byte distance between consecutive descriptors.
func (h *DescriptorHeap) Increment() uint32 { return h.increment }

// ShaderVisible reports whether the heap has GPU handles.
func (h *DescriptorHeap) ShaderVisible() bool { return h.shaderVisible }

// CPUStart returns the CPU handle of descriptor 0.
func (h *DescriptorHeap) CPUStart() CPUHandle { return h.cpuStart }

// GPUStart returns the GPU handle of descriptor 0, or 0 for CPU-only heaps.
func (h *DescriptorHeap) GPUStart() GPUHandle { return h.gpuStart }

// CPUHandle returns the CPU handle of descriptor i.
func (h *DescriptorHeap) CPUHandle(i uint32) (CPUHandle, error) {
	if i >= h.count {
		return 0, fmt.Errorf("%w: %d >= %d", ErrDescriptorIndex, i, h.count)
	}
	return h.cpuStart + CPUHandle(i)*CPUHandle(h.increment), nil
}

// GPUHandle returns the GPU handle of descriptor i.
func (h *DescriptorHeap) GPUHandle(i uint32) (GPUHandle, error) {
	if !h.shaderVisible {
		return 0, ErrNotShaderVisible
	}
	if i >= h.count {
		return 0, fmt.Errorf("%w: %d >= %d", ErrDescriptorIndex, i, h.count)
	}
	return h.gpuStart + GPUHandle(i)*GPUHandle(h.increment), nil
}

// Allocate reserves the next free descriptor and writes v into it.
func (h *DescriptorHeap) Allocate(v View) (uint32, error) {
	if h.used >= h.count {
		return 0, fmt.Errorf("%w: %v heap of %d", ErrHeapFull, h.typ, h.count)
	}
	i := h.used
	h.used++
	h.views[i] = v
	h.written[i] = true
	return i, nil
}

// Write stores v at index i, replacing any previous view.
func (h *DescriptorHeap) Write(i uint32, v View) error {
	if i >= h.count {
		return fmt.Errorf("%w: %d >= %d", ErrDescriptorIndex, i, h.count)
	}
	h.views[i] = v
	h.written[i] = true
	if i >= h.used {
		h.used = i + 1
	}
	return nil
}

// View returns the view written at index i.
func (h *DescriptorHeap) View(i uint32) (View, bool) {
	if i >= h.count || !h.written[i] {
		return View{}, false
	}
	return h.views[i], true
}
