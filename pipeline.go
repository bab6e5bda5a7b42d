package raytrace

import (
	"fmt"

	"github.com/gogpu/raytrace/internal/device"
	"github.com/gogpu/raytrace/internal/pipeline"
	"github.com/gogpu/raytrace/internal/shader"
	"github.com/gogpu/raytrace/internal/shadertable"
)

// Hit group names of the scene pipeline.
const (
	hitGroup       = "HitGroup"
	planeHitGroup  = "HitGroupPlane"
	shadowHitGroup = "ShadowHitGroup"
)

const (
	maxPayloadSize    = 12 // float3 color
	maxAttributeSize  = 8  // float2 barycentrics
	maxRecursionDepth = 2  // primary and shadow
)

// rootSignatures are the root signatures of the scene pipeline.
type rootSignatures struct {
	rayGen   *device.RootSignature
	hit      *device.RootSignature
	planeHit *device.RootSignature
	empty    *device.RootSignature
	global   *device.RootSignature
}

func createRootSignatures(ctx *device.Context) (*rootSignatures, error) {
	srv := []device.DescriptorRange{{Type: device.RangeSRV, Count: 1}}
	descs := []device.RootSignatureDesc{
		{
			Label: "raygen",
			Local: true,
			Parameters: []device.RootParameter{{
				Type: device.ParamDescriptorTable,
				Ranges: []device.DescriptorRange{
					{Type: device.RangeUAV, Count: 1},
					{Type: device.RangeSRV, Count: 1, OffsetInTable: 1},
				},
			}},
		},
		{
			Label: "hit",
			Local: true,
			Parameters: []device.RootParameter{
				{Type: device.ParamCBV},
				{Type: device.ParamDescriptorTable, Ranges: srv},
			},
		},
		{
			Label:      "plane-hit",
			Local:      true,
			Parameters: []device.RootParameter{{Type: device.ParamDescriptorTable, Ranges: srv}},
		},
		{Label: "empty", Local: true},
		{Label: "global"},
	}

	sigs := make([]*device.RootSignature, len(descs))
	for i, d := range descs {
		rs, err := ctx.CreateRootSignature(d)
		if err != nil {
			return nil, fmt.Errorf("root signature %s: %w", d.Label, err)
		}
		sigs[i] = rs
	}
	return &rootSignatures{
		rayGen:   sigs[0],
		hit:      sigs[1],
		planeHit: sigs[2],
		empty:    sigs[3],
		global:   sigs[4],
	}, nil
}

// buildScenePipeline declares and creates the scene pipeline over lib.
func buildScenePipeline(ctx *device.Context, lib *shader.Library, sigs *rootSignatures) (*pipeline.Pipeline, error) {
	var b pipeline.Builder
	b.AddLibrary(lib)
	b.AddHitGroup(hitGroup, shader.ClosestHit, "", "")
	b.AddHitGroup(planeHitGroup, shader.PlaneHit, "", "")
	b.AddHitGroup(shadowHitGroup, shader.ShadowHit, "", "")

	assoc := []struct {
		subobject int
		exports   []string
	}{
		{b.AddLocalRootSignature(sigs.rayGen), []string{shader.RayGen}},
		{b.AddLocalRootSignature(sigs.hit), []string{shader.ClosestHit}},
		{b.AddLocalRootSignature(sigs.planeHit), []string{planeHitGroup}},
		{b.AddLocalRootSignature(sigs.empty), []string{shader.Miss, shader.ShadowHit, shader.ShadowMiss}},
		{b.AddShaderConfig(maxPayloadSize, maxAttributeSize), shader.SceneExports},
	}
	for _, a := range assoc {
		if _, err := b.Associate(a.subobject, a.exports...); err != nil {
			return nil, err
		}
	}
	b.AddPipelineConfig(maxRecursionDepth)
	b.AddGlobalRootSignature(sigs.global)
	b.SetRayGenKernel(lib, shader.RayGen, outputFormat)

	p, err := b.Build(ctx, "scene")
	if err != nil {
		return nil, fmt.Errorf("scene pipeline: %w", err)
	}
	return p, nil
}

// buildShaderTable lays out the scene table: ray generation, the two miss
// shaders, then a primary and a shadow record for every geometry of every
// instance, in instance order.
func buildShaderTable(p shadertable.Exports, s *scene, heap *device.DescriptorHeap) (*shadertable.Table, error) {
	start := heap.GPUStart()
	tlasTable := start + device.GPUHandle(heap.Increment())

	b := shadertable.NewBuilder(p)
	if err := b.AddRayGen(shader.RayGen, shadertable.DescriptorTable(start)); err != nil {
		return nil, err
	}
	for _, miss := range []string{shader.Miss, shader.ShadowMiss} {
		if err := b.AddMiss(miss); err != nil {
			return nil, err
		}
	}
	for i, inst := range s.instances {
		cb := s.colors[s.placement[i].color]
		for _, g := range inst.BLAS.Geometries {
			var err error
			if g == s.plane {
				err = b.AddHit(planeHitGroup, shadertable.DescriptorTable(tlasTable))
			} else {
				err = b.AddHit(hitGroup, shadertable.Address(cb.GPUAddress()), shadertable.DescriptorTable(tlasTable))
			}
			if err != nil {
				return nil, fmt.Errorf("instance %d: %w", i, err)
			}
			if err := b.AddHit(shadowHitGroup); err != nil {
				return nil, fmt.Errorf("instance %d: %w", i, err)
			}
		}
	}
	return b.Build()
}
