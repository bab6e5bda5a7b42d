package device_test

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/device/reference"
)

// countingDevice hands out encoders that count the GPU work they encode.
type countingDevice struct {
	hal.Device
	encoders []*countingEncoder
}

func (d *countingDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	c := &countingEncoder{CommandEncoder: enc}
	d.encoders = append(d.encoders, c)
	return c, nil
}

type countingEncoder struct {
	hal.CommandEncoder
	bufferCopies  int
	textureCopies int
	computePasses int
	textureSize   hal.Extent3D
}

func (e *countingEncoder) CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy) {
	e.bufferCopies++
	e.CommandEncoder.CopyBufferToBuffer(src, dst, regions)
}

func (e *countingEncoder) CopyTextureToTexture(src, dst hal.Texture, regions []hal.TextureCopy) {
	e.textureCopies++
	if len(regions) > 0 {
		e.textureSize = regions[0].Size
	}
	e.CommandEncoder.CopyTextureToTexture(src, dst, regions)
}

func (e *countingEncoder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	e.computePasses++
	return e.CommandEncoder.BeginComputePass(desc)
}

func newCountingContext(t *testing.T) (*device.Context, *countingDevice) {
	t.Helper()
	dev, queue, cleanup := createNoopDevice(t)
	cd := &countingDevice{Device: dev}
	ctx, err := device.NewContext(cd, queue, reference.New(reference.DefaultConfig()))
	if err != nil {
		cleanup()
		t.Fatalf("NewContext failed: %v", err)
	}
	t.Cleanup(func() {
		_ = ctx.Close()
		cleanup()
	})
	return ctx, cd
}

func lastEncoder(t *testing.T, cd *countingDevice) *countingEncoder {
	t.Helper()
	if len(cd.encoders) == 0 {
		t.Fatal("no command encoder created")
	}
	return cd.encoders[len(cd.encoders)-1]
}

func TestCopyResourceEncodesTextureCopy(t *testing.T) {
	ctx, cd := newCountingContext(t)
	_, list := newList(t, ctx)
	enc := lastEncoder(t, cd)

	src, err := ctx.CreateTexture2D("src", 8, 4, gputypes.TextureFormatRGBA8Unorm, device.FlagNone, device.StateCopySource)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := ctx.CreateTexture2D("dst", 8, 4, gputypes.TextureFormatRGBA8Unorm, device.FlagNone, device.StateCopyDest)
	if err != nil {
		t.Fatal(err)
	}
	if err := list.CopyResource(dst, src); err != nil {
		t.Fatalf("CopyResource failed: %v", err)
	}
	if enc.textureCopies != 1 {
		t.Errorf("texture copies encoded = %d, want 1", enc.textureCopies)
	}
	if want := (hal.Extent3D{Width: 8, Height: 4, DepthOrArrayLayers: 1}); enc.textureSize != want {
		t.Errorf("copy size = %+v, want %+v", enc.textureSize, want)
	}

	bsrc, err := ctx.CreateBuffer("bsrc", 64, device.FlagNone, device.StateCopySource, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	bdst, err := ctx.CreateBuffer("bdst", 64, device.FlagNone, device.StateCopyDest, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := list.CopyResource(bdst, bsrc); err != nil {
		t.Fatalf("buffer CopyResource failed: %v", err)
	}
	if enc.bufferCopies != 1 {
		t.Errorf("buffer copies encoded = %d, want 1", enc.bufferCopies)
	}
	if n := len(list.Commands()); n != 2 {
		t.Errorf("recorded %d commands, want 2", n)
	}
}

func TestCopyResourceRejectsMismatch(t *testing.T) {
	ctx, cd := newCountingContext(t)
	_, list := newList(t, ctx)
	enc := lastEncoder(t, cd)

	tex := func(label string, w uint32, format gputypes.TextureFormat, state device.ResourceState) *device.Texture {
		tx, err := ctx.CreateTexture2D(label, w, 4, format, device.FlagNone, state)
		if err != nil {
			t.Fatal(err)
		}
		return tx
	}
	buf, err := ctx.CreateBuffer("buf", 64, device.FlagNone, device.StateCopyDest, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	bufSrc, err := ctx.CreateBuffer("buf_src", 64, device.FlagNone, device.StateCopySource, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		dst, src device.Resource
	}{
		{"texture into buffer", buf, tex("t0", 8, gputypes.TextureFormatRGBA8Unorm, device.StateCopySource)},
		{"buffer into texture", tex("t1", 8, gputypes.TextureFormatRGBA8Unorm, device.StateCopyDest), bufSrc},
		{
			"size",
			tex("t2", 8, gputypes.TextureFormatRGBA8Unorm, device.StateCopyDest),
			tex("t3", 16, gputypes.TextureFormatRGBA8Unorm, device.StateCopySource),
		},
		{
			"format",
			tex("t4", 8, gputypes.TextureFormatRGBA8Unorm, device.StateCopyDest),
			tex("t5", 8, gputypes.TextureFormatBGRA8Unorm, device.StateCopySource),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := list.CopyResource(tt.dst, tt.src); !errors.Is(err, device.ErrInvalidCommand) {
				t.Errorf("error = %v, want %v", err, device.ErrInvalidCommand)
			}
		})
	}
	if enc.textureCopies != 0 || enc.bufferCopies != 0 {
		t.Errorf("encoded %d texture and %d buffer copies, want none", enc.textureCopies, enc.bufferCopies)
	}
	if n := len(list.Commands()); n != 0 {
		t.Errorf("recorded %d commands, want 0", n)
	}
}

func newKernel(t *testing.T, ctx *device.Context, dev hal.Device) *device.Kernel {
	t.Helper()
	module, err := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: "kernel"})
	if err != nil {
		t.Fatalf("CreateShaderModule failed: %v", err)
	}
	k, err := ctx.CreateKernel(&device.KernelDesc{
		Label:      "kernel",
		Module:     module,
		EntryPoint: "rayGen",
		Workgroup:  [2]uint32{8, 8},
		Format:     gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatalf("CreateKernel failed: %v", err)
	}
	t.Cleanup(k.Destroy)
	return k
}

func TestCreateKernelRequiresModule(t *testing.T) {
	ctx, _ := newTestContext(t)

	tests := []struct {
		name string
		desc *device.KernelDesc
	}{
		{"nil", nil},
		{"no module", &device.KernelDesc{EntryPoint: "rayGen"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ctx.CreateKernel(tt.desc); !errors.Is(err, device.ErrInvalidCommand) {
				t.Errorf("error = %v, want %v", err, device.ErrInvalidCommand)
			}
		})
	}
}

func TestKernelBind(t *testing.T) {
	ctx, cd := newCountingContext(t)
	k := newKernel(t, ctx, cd)

	if k.EntryPoint() != "rayGen" || k.Workgroup() != [2]uint32{8, 8} {
		t.Errorf("kernel = %s %v, want rayGen [8 8]", k.EntryPoint(), k.Workgroup())
	}

	plain, err := ctx.CreateTexture2D("plain", 4, 4, gputypes.TextureFormatRGBA8Unorm, device.FlagNone, device.StateCopySource)
	if err != nil {
		t.Fatal(err)
	}
	wrong, err := ctx.CreateTexture2D("wrong", 4, 4, gputypes.TextureFormatBGRA8Unorm,
		device.FlagAllowUnorderedAccess, device.StateUnorderedAccess)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		target *device.Texture
	}{
		{"nil", nil},
		{"no unordered access", plain},
		{"format", wrong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := k.Bind(tt.target); !errors.Is(err, device.ErrInvalidCommand) {
				t.Errorf("error = %v, want %v", err, device.ErrInvalidCommand)
			}
		})
	}
	if k.Target() != nil {
		t.Errorf("Target = %v after failed binds, want nil", k.Target().Label())
	}
}

func TestDispatchRaysEncodesKernel(t *testing.T) {
	ctx, cd := newCountingContext(t)
	k := newKernel(t, ctx, cd)
	_, list := newList(t, ctx)
	enc := lastEncoder(t, cd)

	desc := func() *device.DispatchRaysDesc {
		return &device.DispatchRaysDesc{Width: 20, Height: 10, Depth: 1, Kernel: k}
	}
	if err := list.DispatchRays(desc()); !errors.Is(err, device.ErrKernelUnbound) {
		t.Fatalf("unbound dispatch error = %v, want %v", err, device.ErrKernelUnbound)
	}

	out, err := ctx.CreateTexture2D("output", 20, 10, gputypes.TextureFormatRGBA8Unorm,
		device.FlagAllowUnorderedAccess, device.StateCopySource)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Bind(out); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if k.Target() != out {
		t.Error("Target is not the bound texture")
	}
	if err := list.DispatchRays(desc()); !errors.Is(err, device.ErrInvalidTransition) {
		t.Errorf("dispatch on CopySource target error = %v, want %v", err, device.ErrInvalidTransition)
	}
	if enc.computePasses != 0 {
		t.Fatalf("rejected dispatches encoded %d compute passes", enc.computePasses)
	}

	if err := list.Transition(out, device.StateCopySource, device.StateUnorderedAccess); err != nil {
		t.Fatal(err)
	}
	if err := list.DispatchRays(desc()); err != nil {
		t.Fatalf("DispatchRays failed: %v", err)
	}
	if enc.computePasses != 1 {
		t.Errorf("compute passes encoded = %d, want 1", enc.computePasses)
	}
	cmds := list.Commands()
	if last := cmds[len(cmds)-1]; last.Kind != device.CmdDispatchRays || last.Dispatch.Kernel != k {
		t.Errorf("last command = %v, want a dispatch carrying the kernel", last.Kind)
	}
}
