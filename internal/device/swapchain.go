package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/raytrace/internal/logging"
)

// ErrNotPresentable is returned when presenting a back buffer that is not
// in the Present state.
var ErrNotPresentable = errors.New("device: back buffer is not in the present state")

// Swapchain is a ring of presentable back buffers. The context has no
// window, so presentation only rotates the ring; a surface that shows the
// image may read the presented buffer afterwards.
type Swapchain struct {
	ctx     *Context
	buffers []*Texture
	current int
	width   uint32
	height  uint32
	format  gputypes.TextureFormat
	frames  uint64
}

// CreateSwapchain creates count back buffers in the Present state.
func (c *Context) CreateSwapchain(width, height uint32, count int, format gputypes.TextureFormat) (*Swapchain, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if count < 2 {
		return nil, fmt.Errorf("%w: swapchain needs at least 2 buffers, got %d", ErrInvalidSize, count)
	}
	sc := &Swapchain{ctx: c, width: width, height: height, format: format}
	for i := range count {
		tex, err := c.CreateTexture2D(fmt.Sprintf("backbuffer-%d", i), width, height, format, FlagNone, StatePresent)
		if err != nil {
			sc.Destroy()
			return nil, err
		}
		sc.buffers = append(sc.buffers, tex)
	}
	logging.Logger().Debug("device: swapchain created", "buffers", count, "width", width, "height", height)
	return sc, nil
}

// BufferCount returns the number of back buffers.
func (s *Swapchain) BufferCount() int { return len(s.buffers) }

// CurrentBackBufferIndex returns the index of the buffer to render into.
func (s *Swapchain) CurrentBackBufferIndex() int { return s.current }

// Buffer returns back buffer i.
func (s *Swapchain) Buffer(i int) *Texture { return s.buffers[i] }

// Size returns the back buffer extent.
func (s *Swapchain) Size() (uint32, uint32) { return s.width, s.height }

// Presented returns the number of successful presents.
func (s *Swapchain) Presented() uint64 { return s.frames }

// Present hands the current back buffer to the display and advances to
// the next one.
func (s *Swapchain) Present() error {
	bb := s.buffers[s.current]
	if bb.State() != StatePresent {
		return fmt.Errorf("%w: %s is %v", ErrNotPresentable, bb.Label(), bb.State())
	}
	s.current = (s.current + 1) % len(s.buffers)
	s.frames++
	return nil
}

// Destroy releases the back buffers.
func (s *Swapchain) Destroy() {
	for _, b := range s.buffers {
		b.Destroy()
	}
	s.buffers = nil
}
