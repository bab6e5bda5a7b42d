// Package accel builds the two-level acceleration structure of a scene.
//
// Bottom-level structures are built once per geometry set. The top-level
// structure is built once, then updated in place every frame with new
// instance transforms; its buffers keep their first-build sizes.
package accel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/raytrace/internal/device"
)

// Builder errors.
var (
	// ErrInvalidPrebuildInfo is returned when the device reports zero build
	// sizes.
	ErrInvalidPrebuildInfo = errors.New("accel: invalid prebuild info")

	// ErrNoTopLevel is returned when updating a structure never built.
	ErrNoTopLevel = errors.New("accel: no top-level structure to update")

	// ErrInstanceCountChanged is returned when an update or rebuild changes
	// the instance count of an existing structure.
	ErrInstanceCountChanged = errors.New("accel: instance count changed")

	// ErrNoBottomLevel is returned for an instance without a bottom-level
	// structure.
	ErrNoBottomLevel = errors.New("accel: instance has no bottom-level structure")
)

// RayTypeCount is the number of ray types traced against every geometry:
// primary and shadow.
const RayTypeCount = 2

// vertexStride is the size of one float32x3 position.
const vertexStride = 12

// Geometry is immutable vertex data in an upload-heap buffer.
type Geometry struct {
	Buffer      *device.Buffer
	VertexCount uint32
}

// NewGeometry uploads non-indexed triangle positions.
func NewGeometry(ctx *device.Context, label string, vertices []f32.Vec3) (*Geometry, error) {
	if len(vertices) == 0 || len(vertices)%3 != 0 {
		return nil, fmt.Errorf("%w: %s has %d vertices", device.ErrInvalidSize, label, len(vertices))
	}
	buf, err := ctx.CreateBuffer(label, uint64(len(vertices))*vertexStride,
		device.FlagNone, device.StateGenericRead, device.HeapUpload)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(vertices)*vertexStride)
	for i, v := range vertices {
		for j := range 3 {
			binary.LittleEndian.PutUint32(data[i*vertexStride+4*j:], math.Float32bits(v[j]))
		}
	}
	if err := buf.Write(0, data); err != nil {
		buf.Destroy()
		return nil, err
	}
	return &Geometry{Buffer: buf, VertexCount: uint32(len(vertices))}, nil
}

func (g *Geometry) desc() device.GeometryDesc {
	return device.GeometryDesc{
		Flags: device.GeometryFlagOpaque,
		Triangles: device.TrianglesDesc{
			VertexBuffer: g.Buffer.GPUAddress(),
			VertexStride: vertexStride,
			VertexFormat: gputypes.VertexFormatFloat32x3,
			VertexCount:  g.VertexCount,
		},
	}
}

// BottomLevel is a built bottom-level structure. The scratch buffer is only
// needed until the build completes.
type BottomLevel struct {
	Result     *device.Buffer
	Scratch    *device.Buffer
	Geometries []*Geometry
}

// GeometryCount returns the number of geometries in the structure.
func (b *BottomLevel) GeometryCount() int { return len(b.Geometries) }

// Address returns the GPU address of the structure.
func (b *BottomLevel) Address() device.GPUAddress { return b.Result.GPUAddress() }

// Destroy releases the structure's buffers.
func (b *BottomLevel) Destroy() {
	b.Result.Destroy()
	b.Scratch.Destroy()
}

// BuildBottomLevel records the build of one bottom-level structure over
// geometries, followed by a UAV barrier on the result.
func BuildBottomLevel(ctx *device.Context, list *device.CommandList, geometries []*Geometry) (*BottomLevel, error) {
	inputs := device.BuildInputs{Type: device.BottomLevel}
	for _, g := range geometries {
		inputs.Geometries = append(inputs.Geometries, g.desc())
	}

	info, err := ctx.RayTracing().PrebuildInfo(&inputs)
	if err != nil {
		return nil, fmt.Errorf("bottom-level prebuild: %w", err)
	}
	if !info.Valid() {
		return nil, fmt.Errorf("%w: bottom-level over %d geometries: %+v", ErrInvalidPrebuildInfo, len(geometries), info)
	}

	scratch, err := ctx.CreateBuffer("blas-scratch", info.ScratchSize,
		device.FlagAllowUnorderedAccess, device.StateUnorderedAccess, device.HeapDefault)
	if err != nil {
		return nil, err
	}
	result, err := ctx.CreateBuffer("blas-result", info.ResultMaxSize,
		device.FlagAllowUnorderedAccess, device.StateAccelerationStructure, device.HeapDefault)
	if err != nil {
		scratch.Destroy()
		return nil, err
	}
	blas := &BottomLevel{Result: result, Scratch: scratch, Geometries: geometries}

	if err := list.BuildAccelerationStructure(&device.BuildDesc{
		Inputs:  inputs,
		Dest:    result,
		Scratch: scratch,
	}); err != nil {
		blas.Destroy()
		return nil, err
	}
	if err := list.UAVBarrier(result); err != nil {
		blas.Destroy()
		return nil, err
	}
	return blas, nil
}
