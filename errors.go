package raytrace

import "errors"

// Renderer errors.
var (
	// ErrInvalidExtent is returned when a frame or renderer has a zero
	// width or height, or a frame does not match the renderer size.
	ErrInvalidExtent = errors.New("raytrace: invalid frame extent")

	// ErrInvalidProvider is returned when a device provider does not expose
	// hal types.
	ErrInvalidProvider = errors.New("raytrace: provider does not expose hal device and queue")

	// ErrClosed is returned when using a closed renderer.
	ErrClosed = errors.New("raytrace: renderer is closed")
)
