package raytrace

import "time"

// Stats reports frame throughput over the last completed interval.
type Stats struct {
	Frames        uint64
	FPS           float64
	MRaysPerSec   float64
	TotalFrames   uint64
	TLASUpdates   uint64
	TLASRebuilds  uint64
	IntervalStart time.Time
}

// frameStats accumulates frames and primary rays and publishes a Stats
// snapshot once per interval.
type frameStats struct {
	interval time.Duration
	now      func() time.Time

	start  time.Time
	frames uint64
	rays   uint64
	last   Stats
}

func newFrameStats(interval time.Duration, now func() time.Time) *frameStats {
	return &frameStats{interval: interval, now: now, start: now()}
}

// add counts one frame of rays primary rays. It reports whether an
// interval completed, in which case last holds the new snapshot.
func (s *frameStats) add(rays uint64) bool {
	s.frames++
	s.rays += rays
	if s.interval <= 0 {
		return false
	}
	now := s.now()
	elapsed := now.Sub(s.start)
	if elapsed < s.interval {
		return false
	}
	sec := elapsed.Seconds()
	s.last = Stats{
		Frames:        s.frames,
		FPS:           float64(s.frames) / sec,
		MRaysPerSec:   float64(s.rays) / sec / 1e6,
		IntervalStart: s.start,
	}
	s.start = now
	s.frames = 0
	s.rays = 0
	return true
}
