package frame

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/device/reference"
)

func newTestContext(t *testing.T) *device.Context {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	ctx, err := device.NewContext(openDev.Device, openDev.Queue, reference.New(reference.DefaultConfig()))
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	t.Cleanup(func() {
		_ = ctx.Close()
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return ctx
}

// watchQueue records how far submissions ran ahead of completions.
type watchQueue struct {
	*device.Context
	maxAhead uint64
	waits    []uint64
}

func (q *watchQueue) Submit(l *device.CommandList) (uint64, error) {
	v, err := q.Context.Submit(l)
	if err == nil {
		q.maxAhead = max(q.maxAhead, q.Submitted()-q.Completed())
	}
	return v, err
}

func (q *watchQueue) Wait(v uint64) error {
	if v > q.Completed() {
		q.waits = append(q.waits, v)
	}
	return q.Context.Wait(v)
}

func newScheduler(t *testing.T, ring int) (*Scheduler, *device.Swapchain, *watchQueue) {
	t.Helper()
	ctx := newTestContext(t)
	sc, err := ctx.CreateSwapchain(64, 64, ring, gputypes.TextureFormatRGBA8Unorm)
	if err != nil {
		t.Fatalf("CreateSwapchain failed: %v", err)
	}
	q := &watchQueue{Context: ctx}
	s, err := New(ctx, q, sc)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, sc, q
}

func TestSchedulerInFlightBound(t *testing.T) {
	for _, ring := range []int{2, 3, 4} {
		s, sc, q := newScheduler(t, ring)

		for i := range 10 {
			want := sc.CurrentBackBufferIndex()
			err := s.Frame(func(slot *Slot, _ *device.CommandList) error {
				if slot.Index != want {
					t.Errorf("ring %d frame %d: slot %d, want %d", ring, i, slot.Index, want)
				}
				if slot.State != Recording {
					t.Errorf("ring %d frame %d: slot state %v, want Recording", ring, i, slot.State)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("ring %d frame %d: %v", ring, i, err)
			}
			if got := s.InFlight(); got > uint64(ring-1) {
				t.Errorf("ring %d frame %d: %d in flight, want <= %d", ring, i, got, ring-1)
			}
		}
		if q.maxAhead > uint64(ring) {
			t.Errorf("ring %d: %d submissions ahead, want <= %d", ring, q.maxAhead, ring)
		}
		if s.Frames() != 10 || sc.Presented() != 10 {
			t.Errorf("ring %d: frames=%d presented=%d, want 10", ring, s.Frames(), sc.Presented())
		}
		// The first wait happens once the ring is full.
		if len(q.waits) == 0 || q.waits[0] != 1 {
			t.Errorf("ring %d: waits = %v, want first wait on 1", ring, q.waits)
		}
	}
}

func TestSchedulerSlotStates(t *testing.T) {
	s, _, _ := newScheduler(t, 3)

	for i := range 2 {
		if err := s.Frame(func(*Slot, *device.CommandList) error { return nil }); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	// Nothing has been waited on yet.
	tests := []struct {
		slot int
		want SlotState
	}{
		{0, Presented},
		{1, Presented},
		{2, Idle},
	}
	for _, tt := range tests {
		if got := s.Slot(tt.slot).State; got != tt.want {
			t.Errorf("slot %d state = %v, want %v", tt.slot, got, tt.want)
		}
	}
	if s.Slot(1).FenceValue != 2 {
		t.Errorf("slot 1 fence = %d, want 2", s.Slot(1).FenceValue)
	}

	if err := s.Frame(func(*Slot, *device.CommandList) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if got := s.Slot(0).State; got != Idle {
		t.Errorf("slot 0 after third frame = %v, want Idle", got)
	}
}

func TestSchedulerRecordError(t *testing.T) {
	s, sc, _ := newScheduler(t, 2)
	boom := errors.New("boom")

	err := s.Frame(func(*Slot, *device.CommandList) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Frame error = %v, want %v", err, boom)
	}
	if sc.Presented() != 0 {
		t.Error("failed frame was presented")
	}
	if s.Slot(0).State != Idle {
		t.Errorf("slot state = %v, want Idle", s.Slot(0).State)
	}
	if !s.List().Recording() {
		t.Error("list should still be recording")
	}
}

func TestSchedulerRecordErrorDiscardsPartialFrame(t *testing.T) {
	s, sc, _ := newScheduler(t, 2)
	boom := errors.New("boom")
	bb := s.Slot(0).BackBuffer

	err := s.Frame(func(slot *Slot, l *device.CommandList) error {
		if err := l.Transition(slot.BackBuffer, device.StatePresent, device.StateCopyDest); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Frame error = %v, want %v", err, boom)
	}
	if n := len(s.List().Commands()); n != 0 {
		t.Errorf("list holds %d commands after a failed frame, want 0", n)
	}
	if bb.State() != device.StatePresent {
		t.Errorf("back buffer state = %v, want Present", bb.State())
	}

	err = s.Frame(func(slot *Slot, l *device.CommandList) error {
		if err := l.Transition(slot.BackBuffer, device.StatePresent, device.StateCopyDest); err != nil {
			return err
		}
		return l.Transition(slot.BackBuffer, device.StateCopyDest, device.StatePresent)
	})
	if err != nil {
		t.Fatalf("Frame after failed frame: %v", err)
	}
	if sc.Presented() != 1 {
		t.Errorf("Presented = %d, want 1", sc.Presented())
	}
}

func TestSchedulerPresentRequiresState(t *testing.T) {
	s, _, _ := newScheduler(t, 2)

	err := s.Frame(func(slot *Slot, l *device.CommandList) error {
		return l.Transition(slot.BackBuffer, device.StatePresent, device.StateCopyDest)
	})
	if !errors.Is(err, device.ErrNotPresentable) {
		t.Errorf("Frame error = %v, want %v", err, device.ErrNotPresentable)
	}
}

func TestSchedulerFlush(t *testing.T) {
	s, _, q := newScheduler(t, 3)

	bb := s.Slot(0).BackBuffer
	if err := s.List().Transition(bb, device.StatePresent, device.StateCopyDest); err != nil {
		t.Fatal(err)
	}
	if err := s.List().Transition(bb, device.StateCopyDest, device.StatePresent); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight after Flush = %d, want 0", s.InFlight())
	}
	if q.Submitted() != 1 {
		t.Errorf("Submitted = %d, want 1", q.Submitted())
	}
	if !s.List().Recording() {
		t.Error("list not reopened after Flush")
	}
	if s.Frames() != 0 {
		t.Errorf("Frames = %d, want 0", s.Frames())
	}
}

func TestSchedulerClose(t *testing.T) {
	s, _, _ := newScheduler(t, 2)

	if err := s.Frame(func(*Slot, *device.CommandList) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight after Close = %d, want 0", s.InFlight())
	}
	if err := s.Frame(func(*Slot, *device.CommandList) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Frame after Close error = %v, want %v", err, ErrClosed)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}

func TestNewRejectsSmallRing(t *testing.T) {
	ctx := newTestContext(t)
	if _, err := New(ctx, ctx, oneBuffer{}); !errors.Is(err, ErrRingSize) {
		t.Errorf("New error = %v, want %v", err, ErrRingSize)
	}
}

type oneBuffer struct{}

func (oneBuffer) BufferCount() int            { return 1 }
func (oneBuffer) CurrentBackBufferIndex() int { return 0 }
func (oneBuffer) Buffer(int) *device.Texture  { return nil }
func (oneBuffer) Present() error              { return nil }
