package reference_test

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/device/reference"
)

func newTestContext(t *testing.T) (*device.Context, *reference.Device) {
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
	rt := reference.New(reference.DefaultConfig())
	ctx, err := device.NewContext(openDev.Device, openDev.Queue, rt)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	t.Cleanup(func() {
		_ = ctx.Close()
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return ctx, rt
}

func triangleInputs(vb *device.Buffer, vertexCount uint32) device.BuildInputs {
	return device.BuildInputs{
		Type: device.BottomLevel,
		Geometries: []device.GeometryDesc{{
			Flags: device.GeometryFlagOpaque,
			Triangles: device.TrianglesDesc{
				VertexBuffer: vb.GPUAddress(),
				VertexStride: 12,
				VertexFormat: gputypes.VertexFormatFloat32x3,
				VertexCount:  vertexCount,
			},
		}},
	}
}

// buildBuffers allocates result and scratch buffers sized for inputs.
func buildBuffers(t *testing.T, ctx *device.Context, in *device.BuildInputs) (*device.Buffer, *device.Buffer) {
	t.Helper()
	info, err := ctx.RayTracing().PrebuildInfo(in)
	if err != nil {
		t.Fatalf("PrebuildInfo failed: %v", err)
	}
	result, err := ctx.CreateBuffer("result", info.ResultMaxSize, device.FlagAllowUnorderedAccess,
		device.StateAccelerationStructure, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	scratch, err := ctx.CreateBuffer("scratch", info.ScratchSize, device.FlagAllowUnorderedAccess,
		device.StateUnorderedAccess, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	return result, scratch
}

func newList(t *testing.T, ctx *device.Context) *device.CommandList {
	t.Helper()
	alloc, err := ctx.CreateCommandAllocator()
	if err != nil {
		t.Fatal(err)
	}
	list, err := ctx.CreateCommandList(alloc, "test")
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func submit(t *testing.T, ctx *device.Context, list *device.CommandList) error {
	t.Helper()
	if err := list.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := ctx.Submit(list)
	return err
}

func TestPrebuildInfo(t *testing.T) {
	rt := reference.New(reference.DefaultConfig())

	tests := []struct {
		name string
		in   device.BuildInputs
		want device.PrebuildInfo
	}{
		{
			name: "one triangle",
			in: device.BuildInputs{Type: device.BottomLevel, Geometries: []device.GeometryDesc{{
				Triangles: device.TrianglesDesc{VertexBuffer: 1, VertexStride: 12, VertexFormat: gputypes.VertexFormatFloat32x3, VertexCount: 3},
			}}},
			want: device.PrebuildInfo{ResultMaxSize: 256, ScratchSize: 256, UpdateScratchSize: 256},
		},
		{
			name: "no geometry",
			in:   device.BuildInputs{Type: device.BottomLevel},
			want: device.PrebuildInfo{},
		},
		{
			name: "three instances",
			in:   device.BuildInputs{Type: device.TopLevel, InstanceCount: 3},
			want: device.PrebuildInfo{ResultMaxSize: 512, ScratchSize: 256, UpdateScratchSize: 256},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rt.PrebuildInfo(&tt.in)
			if err != nil {
				t.Fatalf("PrebuildInfo failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("PrebuildInfo = %+v, want %+v", got, tt.want)
			}
		})
	}

	bad := device.BuildInputs{Type: device.BottomLevel, Geometries: []device.GeometryDesc{{
		Triangles: device.TrianglesDesc{VertexBuffer: 1, VertexStride: 12, VertexFormat: gputypes.VertexFormatFloat32x3, VertexCount: 4},
	}}}
	if _, err := rt.PrebuildInfo(&bad); !errors.Is(err, reference.ErrInvalidInputs) {
		t.Errorf("partial triangle error = %v, want %v", err, reference.ErrInvalidInputs)
	}
}

// buildScene builds one BLAS and a TLAS with one instance of it, with the
// barrier between them when barrier is set.
func buildScene(t *testing.T, ctx *device.Context, list *device.CommandList, barrier bool) (*device.Buffer, *device.Buffer, *device.Buffer) {
	t.Helper()
	vb, err := ctx.CreateBuffer("vb", 36, device.FlagNone, device.StateGenericRead, device.HeapUpload)
	if err != nil {
		t.Fatal(err)
	}
	blasIn := triangleInputs(vb, 3)
	blas, blasScratch := buildBuffers(t, ctx, &blasIn)
	if err := list.BuildAccelerationStructure(&device.BuildDesc{Inputs: blasIn, Dest: blas, Scratch: blasScratch}); err != nil {
		t.Fatal(err)
	}
	if barrier {
		if err := list.UAVBarrier(blas); err != nil {
			t.Fatal(err)
		}
	}

	inst, err := ctx.CreateBuffer("instances", device.InstanceDescSize, device.FlagNone, device.StateGenericRead, device.HeapUpload)
	if err != nil {
		t.Fatal(err)
	}
	desc := device.InstanceDesc{
		Transform:             [12]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0},
		Mask:                  device.InstanceMaskAll,
		AccelerationStructure: blas.GPUAddress(),
	}
	raw := make([]byte, device.InstanceDescSize)
	if err := desc.Encode(raw); err != nil {
		t.Fatal(err)
	}
	if err := inst.Write(0, raw); err != nil {
		t.Fatal(err)
	}

	tlasIn := device.BuildInputs{Type: device.TopLevel, Flags: device.BuildFlagAllowUpdate, InstanceCount: 1, InstanceDescs: inst.GPUAddress()}
	tlas, tlasScratch := buildBuffers(t, ctx, &tlasIn)
	if err := list.BuildAccelerationStructure(&device.BuildDesc{Inputs: tlasIn, Dest: tlas, Scratch: tlasScratch, Instances: inst}); err != nil {
		t.Fatal(err)
	}
	if err := list.UAVBarrier(tlas); err != nil {
		t.Fatal(err)
	}
	return tlas, tlasScratch, inst
}

func TestExecuteBuildOrdering(t *testing.T) {
	t.Run("with barrier", func(t *testing.T) {
		ctx, rt := newTestContext(t)
		list := newList(t, ctx)
		tlas, _, _ := buildScene(t, ctx, list, true)
		if err := submit(t, ctx, list); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if got := rt.Stats().Builds; got != 2 {
			t.Errorf("Builds = %d, want 2", got)
		}
		s, ok := rt.Structure(tlas.GPUAddress())
		if !ok || s.Type != device.TopLevel || len(s.Instances) != 1 {
			t.Errorf("Structure(tlas) = %+v, %v", s, ok)
		}
	})
	t.Run("missing barrier", func(t *testing.T) {
		ctx, _ := newTestContext(t)
		list := newList(t, ctx)
		buildScene(t, ctx, list, false)
		if err := submit(t, ctx, list); !errors.Is(err, reference.ErrHazard) {
			t.Errorf("Submit error = %v, want %v", err, reference.ErrHazard)
		}
	})
}

func TestExecuteUpdate(t *testing.T) {
	ctx, rt := newTestContext(t)
	list := newList(t, ctx)
	tlas, scratch, inst := buildScene(t, ctx, list, true)

	update := device.BuildInputs{
		Type:          device.TopLevel,
		Flags:         device.BuildFlagAllowUpdate | device.BuildFlagPerformUpdate,
		InstanceCount: 1,
		InstanceDescs: inst.GPUAddress(),
	}
	if err := list.BuildAccelerationStructure(&device.BuildDesc{
		Inputs: update, Dest: tlas, Scratch: scratch, Source: tlas, Instances: inst,
	}); err != nil {
		t.Fatal(err)
	}
	if err := submit(t, ctx, list); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := rt.Stats().Updates; got != 1 {
		t.Errorf("Updates = %d, want 1", got)
	}
}

func TestExecuteUpdateWithoutAllowUpdate(t *testing.T) {
	ctx, _ := newTestContext(t)
	list := newList(t, ctx)

	vb, err := ctx.CreateBuffer("vb", 36, device.FlagNone, device.StateGenericRead, device.HeapUpload)
	if err != nil {
		t.Fatal(err)
	}
	in := triangleInputs(vb, 3)
	blas, scratch := buildBuffers(t, ctx, &in)
	if err := list.BuildAccelerationStructure(&device.BuildDesc{Inputs: in, Dest: blas, Scratch: scratch}); err != nil {
		t.Fatal(err)
	}
	if err := list.UAVBarrier(blas); err != nil {
		t.Fatal(err)
	}
	in.Flags = device.BuildFlagPerformUpdate
	if err := list.BuildAccelerationStructure(&device.BuildDesc{Inputs: in, Dest: blas, Scratch: scratch, Source: blas}); err != nil {
		t.Fatal(err)
	}
	if err := submit(t, ctx, list); !errors.Is(err, reference.ErrUpdateMismatch) {
		t.Errorf("Submit error = %v, want %v", err, reference.ErrUpdateMismatch)
	}
}

func TestExecuteBufferTooSmall(t *testing.T) {
	ctx, _ := newTestContext(t)
	list := newList(t, ctx)

	vb, err := ctx.CreateBuffer("vb", 72, device.FlagNone, device.StateGenericRead, device.HeapUpload)
	if err != nil {
		t.Fatal(err)
	}
	in := triangleInputs(vb, 6)
	scratch, err := ctx.CreateBuffer("scratch", 1024, device.FlagAllowUnorderedAccess, device.StateUnorderedAccess, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	small, err := ctx.CreateBuffer("small", 64, device.FlagAllowUnorderedAccess, device.StateAccelerationStructure, device.HeapDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := list.BuildAccelerationStructure(&device.BuildDesc{Inputs: in, Dest: small, Scratch: scratch}); err != nil {
		t.Fatal(err)
	}
	if err := submit(t, ctx, list); !errors.Is(err, reference.ErrBufferTooSmall) {
		t.Errorf("Submit error = %v, want %v", err, reference.ErrBufferTooSmall)
	}
}

func TestDispatchRequiresBindings(t *testing.T) {
	ctx, _ := newTestContext(t)
	list := newList(t, ctx)
	if err := list.DispatchRays(&device.DispatchRaysDesc{
		RayGeneration: device.AddressRange{Start: 1 << 32, Size: 64},
		Width:         1, Height: 1, Depth: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := submit(t, ctx, list); !errors.Is(err, reference.ErrNotBound) {
		t.Errorf("Submit error = %v, want %v", err, reference.ErrNotBound)
	}
}

func TestCreateStateObject(t *testing.T) {
	rt := reference.New(reference.DefaultConfig())
	rs := &device.RootSignature{}

	valid := func() []device.Subobject {
		return []device.Subobject{
			{Type: device.SubobjectLibrary, Library: &device.LibraryDesc{Bytecode: []byte{1}, Exports: []string{"rayGen", "miss", "chs"}}},
			{Type: device.SubobjectHitGroup, HitGroup: &device.HitGroupDesc{Name: "HitGroup", ClosestHit: "chs"}},
			{Type: device.SubobjectLocalRootSignature, RootSignature: rs},
			{Type: device.SubobjectAssociation, Association: &device.AssociationDesc{Subobject: 2, Exports: []string{"chs"}}},
			{Type: device.SubobjectShaderConfig, ShaderConfig: &device.ShaderConfig{MaxPayloadSize: 12, MaxAttributeSize: 8}},
			{Type: device.SubobjectPipelineConfig, PipelineConfig: &device.PipelineConfig{MaxRecursionDepth: 2}},
		}
	}

	so, err := rt.CreateStateObject(&device.StateObjectDesc{Subobjects: valid()})
	if err != nil {
		t.Fatalf("CreateStateObject failed: %v", err)
	}
	a, ok := so.ShaderIdentifier("rayGen")
	if !ok || len(a) != device.ShaderIdentifierSize {
		t.Fatalf("ShaderIdentifier(rayGen) = %x, %v", a, ok)
	}
	b, _ := so.ShaderIdentifier("HitGroup")
	if string(a) == string(b) {
		t.Error("distinct exports share an identifier")
	}
	if _, ok := so.ShaderIdentifier("nope"); ok {
		t.Error("unknown export has an identifier")
	}

	tests := []struct {
		name   string
		mutate func([]device.Subobject) []device.Subobject
	}{
		{"forward association", func(s []device.Subobject) []device.Subobject {
			s[3].Association.Subobject = 4
			return s
		}},
		{"unknown export", func(s []device.Subobject) []device.Subobject {
			s[3].Association.Exports = []string{"nope"}
			return s
		}},
		{"hit group of unknown shader", func(s []device.Subobject) []device.Subobject {
			s[1].HitGroup.ClosestHit = "nope"
			return s
		}},
		{"no pipeline config", func(s []device.Subobject) []device.Subobject {
			return s[:5]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.CreateStateObject(&device.StateObjectDesc{Subobjects: tt.mutate(valid())})
			if !errors.Is(err, reference.ErrInvalidStateObject) {
				t.Errorf("error = %v, want %v", err, reference.ErrInvalidStateObject)
			}
		})
	}
}
