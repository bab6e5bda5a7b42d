package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/internal/logging"
)

// ErrFenceValue is returned when waiting for a value that was never submitted.
var ErrFenceValue = errors.New("device: fence value was never signaled")

const (
	// fencePollInterval bounds a single hal wait. Waits repeat until the
	// value is reached; there is no overall timeout.
	fencePollInterval = 100 * time.Millisecond

	// fenceSlowWait is the elapsed time after which a wait is reported.
	fenceSlowWait = 2 * time.Second
)

// Fence is the monotonically increasing submission counter shared by CPU
// wait logic and GPU signal operations. One fence exists per Context.
type Fence struct {
	device    hal.Device
	queue     hal.Queue
	raw       hal.Fence
	submitted uint64
	completed uint64
}

func newFence(device hal.Device, queue hal.Queue) (*Fence, error) {
	raw, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("create fence: %w", err)
	}
	return &Fence{device: device, queue: queue, raw: raw}, nil
}

// Submitted returns the last value a submission signals.
func (f *Fence) Submitted() uint64 { return f.submitted }

// Completed returns the highest value the GPU is known to have reached.
func (f *Fence) Completed() uint64 { return f.completed }

// InFlight returns the number of submissions not yet known complete.
func (f *Fence) InFlight() uint64 { return f.submitted - f.completed }

// submit submits command buffers to the queue and signals the next value.
func (f *Fence) submit(cmds []hal.CommandBuffer) (uint64, error) {
	next := f.submitted + 1
	if err := f.queue.Submit(cmds, f.raw, next); err != nil {
		return 0, fmt.Errorf("submit #%d: %w", next, err)
	}
	f.submitted = next
	return next, nil
}

// Wait blocks until the GPU signals value.
func (f *Fence) Wait(value uint64) error {
	if value <= f.completed {
		return nil
	}
	if value > f.submitted {
		return fmt.Errorf("%w: %d > %d", ErrFenceValue, value, f.submitted)
	}

	start := time.Now()
	warned := false
	for {
		ok, err := f.device.Wait(f.raw, value, fencePollInterval)
		if err != nil {
			return fmt.Errorf("wait for fence %d: %w", value, err)
		}
		if ok {
			f.completed = value
			return nil
		}
		if !warned && time.Since(start) > fenceSlowWait {
			logging.Logger().Warn("device: slow fence wait", "value", value, "elapsed", time.Since(start))
			warned = true
		}
	}
}

func (f *Fence) destroy() {
	if f.raw != nil {
		f.device.DestroyFence(f.raw)
		f.raw = nil
	}
}
