// Package raytrace renders a small scene with hardware ray tracing.
//
// # Overview
//
// The renderer keeps a two-level acceleration structure over the scene: two
// bottom-level structures (a triangle, and a triangle with a ground plane)
// built once, and a top-level structure over three instances that is
// updated in place every frame as two of the instances spin. A ray-tracing
// pipeline with primary and shadow rays traces into an output image, which
// is copied into the current back buffer and presented.
//
// # Quick Start
//
//	r, err := raytrace.New(1280, 720)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	for range 100 {
//	    if err := r.DrawFrame(1280, 720, nil); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// Without options the renderer runs headless on the wgpu noop device and
// validates every command list with the reference ray-tracing extension.
// Use [WithDevice] or [WithDeviceProvider] to render on a real device, and
// [WithRayTracing] to supply its ray-tracing extension.
//
// # Frames in flight
//
// The renderer keeps one frame slot per back buffer. DrawFrame returns once
// at most ringSize-1 frames are still executing on the GPU, so with the
// default ring of three the CPU runs at most two frames ahead.
//
// # Architecture
//
// The library is organized into:
//   - Public API: Renderer, Option, DrawFunc, Stats
//   - internal/device: resources, descriptor heaps, command lists, fence
//   - internal/device/reference: validating ray-tracing extension
//   - internal/accel: bottom- and top-level acceleration structures
//   - internal/pipeline: ray-tracing pipeline assembly
//   - internal/shadertable: shader record layout and serialization
//   - internal/shader: shader library compilation
//   - internal/frame: frame slots and the submission loop
package raytrace
