package raytrace

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/raytrace/internal/accel"
	"github.com/gogpu/raytrace/internal/device"
)

var (
	triangleVertices = []f32.Vec3{
		{0, 1, 0},
		{0.866, -0.5, 0},
		{-0.866, -0.5, 0},
	}

	planeVertices = []f32.Vec3{
		{-100, -1, -2},
		{100, -1, 100},
		{-100, -1, 100},

		{-100, -1, -2},
		{100, -1, -2},
		{100, -1, 100},
	}

	// triangleColors are the vertex colors of each constant buffer.
	triangleColors = [3][3]f32.Vec4{
		{{0, 0.2, 1, 1}, {0, 0.2, 1, 1}, {0, 0.2, 1, 1}},
		{{1, 1, 0, 1}, {0, 1, 0, 1}, {0, 1, 1, 1}},
		{{1, 1, 0, 1}, {1, 0, 0, 1}, {1, 0, 1, 1}},
	}
)

// colorBufferSize is three float32x4 colors.
const colorBufferSize = 3 * 16

// placement is one instance of the default scene.
type placement struct {
	position  f32.Vec3
	spin      bool
	withPlane bool

	// color indexes the constant buffer of the triangle.
	color int
}

var defaultPlacements = []placement{
	{position: f32.Vec3{-1.5, 0, 0}, spin: true, color: 1},
	{position: f32.Vec3{0, 0, 0}, withPlane: true, color: 0},
	{position: f32.Vec3{1.5, 0, -0.5}, spin: true, color: 2},
}

// scene holds the geometry, bottom-level structures and constant buffers
// of the default scene. The top-level structure is owned by the renderer.
type scene struct {
	triangle  *accel.Geometry
	plane     *accel.Geometry
	alone     *accel.BottomLevel
	withPlane *accel.BottomLevel
	colors    []*device.Buffer
	instances []accel.Instance
	placement []placement
}

// newScene uploads the geometry and constant buffers and records the
// bottom-level builds into list.
func newScene(ctx *device.Context, list *device.CommandList) (*scene, error) {
	s := &scene{placement: defaultPlacements}
	var err error
	if s.triangle, err = accel.NewGeometry(ctx, "triangle", triangleVertices); err != nil {
		return nil, err
	}
	if s.plane, err = accel.NewGeometry(ctx, "plane", planeVertices); err != nil {
		s.destroy()
		return nil, err
	}
	if s.alone, err = accel.BuildBottomLevel(ctx, list, []*accel.Geometry{s.triangle}); err != nil {
		s.destroy()
		return nil, fmt.Errorf("triangle structure: %w", err)
	}
	if s.withPlane, err = accel.BuildBottomLevel(ctx, list, []*accel.Geometry{s.triangle, s.plane}); err != nil {
		s.destroy()
		return nil, fmt.Errorf("triangle and plane structure: %w", err)
	}

	for i, colors := range triangleColors {
		buf, err := ctx.CreateBuffer(fmt.Sprintf("colors-%d", i), colorBufferSize,
			device.FlagNone, device.StateGenericRead, device.HeapUpload)
		if err != nil {
			s.destroy()
			return nil, err
		}
		s.colors = append(s.colors, buf)
		if err := buf.Write(0, encodeColors(colors)); err != nil {
			s.destroy()
			return nil, err
		}
	}

	for _, p := range s.placement {
		blas := s.alone
		if p.withPlane {
			blas = s.withPlane
		}
		s.instances = append(s.instances, accel.Instance{BLAS: blas, Position: p.position, Spin: p.spin})
	}
	return s, nil
}

func encodeColors(colors [3]f32.Vec4) []byte {
	out := make([]byte, colorBufferSize)
	for i, c := range colors {
		for j, v := range c {
			binary.LittleEndian.PutUint32(out[16*i+4*j:], math.Float32bits(v))
		}
	}
	return out
}

// hitRecordCount returns the number of hit records the scene needs.
func (s *scene) hitRecordCount() uint32 {
	_, total := accel.ContributionOffsets(s.instances, accel.RayTypeCount)
	return total
}

func (s *scene) destroy() {
	for _, b := range s.colors {
		b.Destroy()
	}
	s.colors = nil
	for _, blas := range []*accel.BottomLevel{s.alone, s.withPlane} {
		if blas != nil {
			blas.Destroy()
		}
	}
	for _, g := range []*accel.Geometry{s.triangle, s.plane} {
		if g != nil {
			g.Buffer.Destroy()
		}
	}
}
