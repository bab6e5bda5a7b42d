package raytrace

import (
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/shader"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	// Headless renderer on the noop device
//	r, err := raytrace.New(1280, 720)
//
//	// Shared device from a host application
//	r, err := raytrace.New(1280, 720, raytrace.WithDeviceProvider(app))
type Option func(*options)

// options holds optional configuration for Renderer creation.
type options struct {
	device        hal.Device
	queue         hal.Queue
	provider      gpucontext.DeviceProvider
	rt            device.RayTracing
	ringSize      int
	shaderSource  string
	shaderFile    string
	compiler      shader.Compiler
	rotationStep  float32
	rebuildEvery  uint64
	statsInterval time.Duration
}

// sharedCompiler compiles shader libraries for renderers without a
// compiler of their own.
var sharedCompiler = shader.NewCachedCompiler(shader.NagaCompiler{}, 8)

// defaultOptions returns the default renderer options.
func defaultOptions() options {
	return options{
		ringSize:      3,
		compiler:      sharedCompiler,
		rotationStep:  0.0005,
		statsInterval: time.Second,
	}
}

// WithDevice renders on an open hal device and queue. The caller keeps
// ownership of the device.
func WithDevice(d hal.Device, q hal.Queue) Option {
	return func(o *options) {
		o.device = d
		o.queue = q
	}
}

// WithDeviceProvider renders on the device of an external provider such as
// a gogpu application. The provider must also implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func WithDeviceProvider(provider gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithRayTracing sets the ray-tracing extension of the device. Without it
// the renderer validates commands with the reference extension.
func WithRayTracing(rt device.RayTracing) Option {
	return func(o *options) {
		o.rt = rt
	}
}

// WithRingSize sets the number of frames in flight, which is also the
// number of back buffers. Must be at least 2.
func WithRingSize(n int) Option {
	return func(o *options) {
		o.ringSize = n
	}
}

// WithShaderSource replaces the built-in shader library source.
func WithShaderSource(src string) Option {
	return func(o *options) {
		o.shaderSource = src
	}
}

// WithShaderFile loads the shader library from path at startup.
func WithShaderFile(path string) Option {
	return func(o *options) {
		o.shaderFile = path
	}
}

// WithCompiler sets the shader library compiler.
func WithCompiler(c shader.Compiler) Option {
	return func(o *options) {
		o.compiler = c
	}
}

// WithRotationStep sets the per-frame rotation of spinning instances, in
// radians.
func WithRotationStep(step float32) Option {
	return func(o *options) {
		o.rotationStep = step
	}
}

// WithRebuildInterval makes every nth frame rebuild the top-level
// structure instead of updating it in place. Zero disables rebuilds.
func WithRebuildInterval(n uint64) Option {
	return func(o *options) {
		o.rebuildEvery = n
	}
}

// WithStatsInterval sets how often frame statistics are logged. Zero
// disables them.
func WithStatsInterval(d time.Duration) Option {
	return func(o *options) {
		o.statsInterval = d
	}
}
