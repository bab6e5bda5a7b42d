// Package frame drives the per-frame submission loop over a ring of frame
// slots.
//
// Each slot owns a command allocator and the back buffer it renders into.
// A slot cycles Idle → Recording → Submitted → Presented and returns to
// Idle only once the fence confirms the GPU finished its submission. After
// every frame the scheduler blocks until at most ringSize−1 submissions are
// outstanding.
package frame

import (
	"errors"
	"fmt"

	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/logging"
)

// Scheduler errors.
var (
	// ErrRingSize is returned for a ring smaller than two slots or larger
	// than the surface.
	ErrRingSize = errors.New("frame: invalid ring size")

	// ErrSlotBusy is returned when the current slot has not been released.
	ErrSlotBusy = errors.New("frame: slot still in use by the GPU")

	// ErrClosed is returned when using a closed scheduler.
	ErrClosed = errors.New("frame: scheduler is closed")
)

// SlotState is the lifecycle state of a frame slot.
type SlotState int

const (
	Idle SlotState = iota
	Recording
	Submitted
	Presented
)

// String returns the string representation of SlotState.
func (s SlotState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Recording:
		return "Recording"
	case Submitted:
		return "Submitted"
	case Presented:
		return "Presented"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Surface is the presentation surface. *device.Swapchain implements it.
type Surface interface {
	BufferCount() int
	CurrentBackBufferIndex() int
	Buffer(i int) *device.Texture
	Present() error
}

// Queue submits command lists and tracks the fence. *device.Context
// implements it.
type Queue interface {
	Submit(list *device.CommandList) (uint64, error)
	Submitted() uint64
	Completed() uint64
	Wait(value uint64) error
}

// Slot is one ring position.
type Slot struct {
	Index      int
	State      SlotState
	Allocator  *device.CommandAllocator
	BackBuffer *device.Texture
	RTV        device.CPUHandle

	// FenceValue is the submission that last used the slot.
	FenceValue uint64
}

// RecordFunc records one frame into list for slot.
type RecordFunc func(slot *Slot, list *device.CommandList) error

// Scheduler owns the frame slots and the single command list.
type Scheduler struct {
	queue   Queue
	surface Surface
	rtvHeap *device.DescriptorHeap
	slots   []*Slot
	list    *device.CommandList
	frames  uint64
	closed  bool
}

// New creates a scheduler with one slot per surface buffer. The command
// list is opened on the slot of the current back buffer.
func New(ctx *device.Context, queue Queue, surface Surface) (*Scheduler, error) {
	ring := surface.BufferCount()
	if ring < 2 {
		return nil, fmt.Errorf("%w: %d", ErrRingSize, ring)
	}
	rtvHeap, err := ctx.CreateDescriptorHeap(device.HeapRTV, uint32(ring), false)
	if err != nil {
		return nil, fmt.Errorf("create RTV heap: %w", err)
	}

	s := &Scheduler{queue: queue, surface: surface, rtvHeap: rtvHeap}
	for i := range ring {
		alloc, err := ctx.CreateCommandAllocator()
		if err != nil {
			return nil, err
		}
		bb := surface.Buffer(i)
		idx, err := rtvHeap.Allocate(device.View{Kind: device.ViewRTV, Texture: bb})
		if err != nil {
			return nil, err
		}
		rtv, err := rtvHeap.CPUHandle(idx)
		if err != nil {
			return nil, err
		}
		s.slots = append(s.slots, &Slot{Index: i, Allocator: alloc, BackBuffer: bb, RTV: rtv})
	}

	cur := s.slots[surface.CurrentBackBufferIndex()]
	if s.list, err = ctx.CreateCommandList(cur.Allocator, "frame"); err != nil {
		return nil, err
	}
	logging.Logger().Debug("frame: scheduler created", "ring", ring)
	return s, nil
}

// RingSize returns the number of slots.
func (s *Scheduler) RingSize() int { return len(s.slots) }

// Slot returns slot i.
func (s *Scheduler) Slot(i int) *Slot { return s.slots[i] }

// List returns the open command list. Commands recorded outside Frame are
// submitted by the next Frame or Flush, or dropped if that frame fails to
// record.
func (s *Scheduler) List() *device.CommandList { return s.list }

// Frames returns the number of frames submitted by Frame.
func (s *Scheduler) Frames() uint64 { return s.frames }

// InFlight returns the number of submissions not known to be complete.
func (s *Scheduler) InFlight() uint64 { return s.queue.Submitted() - s.queue.Completed() }

// Frame records, submits and presents one frame, then waits until the ring
// has room for the next one and reopens the command list on its slot.
//
// If record fails the list is aborted, discarding everything recorded
// since it was last opened, and reopened on the same slot.
func (s *Scheduler) Frame(record RecordFunc) error {
	if s.closed {
		return ErrClosed
	}
	slot := s.slots[s.surface.CurrentBackBufferIndex()]
	if slot.State != Idle {
		return fmt.Errorf("%w: slot %d is %v", ErrSlotBusy, slot.Index, slot.State)
	}

	slot.State = Recording
	if err := record(slot, s.list); err != nil {
		slot.State = Idle
		s.list.Abort()
		if rerr := s.list.Reset(slot.Allocator); rerr != nil {
			return fmt.Errorf("record frame %d: %w (reopen: %v)", s.frames, err, rerr)
		}
		return fmt.Errorf("record frame %d: %w", s.frames, err)
	}
	if err := s.list.Close(); err != nil {
		return err
	}
	v, err := s.queue.Submit(s.list)
	if err != nil {
		return fmt.Errorf("submit frame %d: %w", s.frames, err)
	}
	slot.FenceValue = v
	slot.State = Submitted

	if err := s.surface.Present(); err != nil {
		return fmt.Errorf("present frame %d: %w", s.frames, err)
	}
	slot.State = Presented
	s.frames++

	ring := uint64(len(s.slots))
	if v >= ring {
		if err := s.queue.Wait(v - ring + 1); err != nil {
			return err
		}
	}
	return s.reopen()
}

// Flush submits the open command list and waits for the GPU to finish all
// work, then reopens the list on the current slot.
func (s *Scheduler) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.list.Close(); err != nil {
		return err
	}
	v, err := s.queue.Submit(s.list)
	if err != nil {
		return fmt.Errorf("submit flush: %w", err)
	}
	s.slots[s.surface.CurrentBackBufferIndex()].FenceValue = v
	if err := s.queue.Wait(v); err != nil {
		return err
	}
	logging.Logger().Debug("frame: flushed", "fence", v)
	return s.reopen()
}

// reopen releases completed slots and reopens the command list on the
// slot of the current back buffer, waiting for its previous submission.
func (s *Scheduler) reopen() error {
	next := s.slots[s.surface.CurrentBackBufferIndex()]
	if err := s.queue.Wait(next.FenceValue); err != nil {
		return err
	}
	done := s.queue.Completed()
	for _, sl := range s.slots {
		if sl.State == Presented && sl.FenceValue <= done {
			sl.State = Idle
		}
	}
	if err := next.Allocator.Reset(); err != nil {
		return err
	}
	return s.list.Reset(next.Allocator)
}

// Close waits for all submitted work. The scheduler cannot be used after.
func (s *Scheduler) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.list.Recording() {
		if err := s.list.Close(); err != nil {
			return err
		}
	}
	return s.queue.Wait(s.queue.Submitted())
}
