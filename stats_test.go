package raytrace

import (
	"testing"
	"time"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestFrameStatsInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: 250 * time.Millisecond}
	s := newFrameStats(time.Second, clock.now)

	var done int
	for i := range 8 {
		if s.add(1_000_000) {
			done++
			if i != 3 && i != 7 {
				t.Errorf("interval completed at frame %d", i)
			}
		}
	}
	if done != 2 {
		t.Fatalf("completed intervals = %d, want 2", done)
	}
	if s.last.Frames != 4 {
		t.Errorf("Frames = %d, want 4", s.last.Frames)
	}
	if s.last.FPS != 4 {
		t.Errorf("FPS = %v, want 4", s.last.FPS)
	}
	if s.last.MRaysPerSec != 4 {
		t.Errorf("MRaysPerSec = %v, want 4", s.last.MRaysPerSec)
	}
}

func TestFrameStatsDisabled(t *testing.T) {
	s := newFrameStats(0, time.Now)
	for range 100 {
		if s.add(1) {
			t.Fatal("disabled stats completed an interval")
		}
	}
	if s.frames != 100 {
		t.Errorf("frames = %d, want 100", s.frames)
	}
}
