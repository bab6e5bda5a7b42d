// Package reference is a software implementation of the device.RayTracing
// extension.
//
// It reports deterministic prebuild sizes and opaque shader identifiers,
// and validates the command streams submitted to it the way a driver debug
// layer would: buffer sizes, UAV hazards between dependent builds, update
// preconditions, pipeline and heap bindings at dispatch, and shader table
// alignment. It does not trace rays.
package reference

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/raytrace/internal/device"
)

// Validation errors.
var (
	// ErrBufferTooSmall is returned when a build buffer is smaller than its
	// prebuild size.
	ErrBufferTooSmall = errors.New("reference: buffer smaller than prebuild size")

	// ErrHazard is returned when a resource is read before a required
	// barrier or transition.
	ErrHazard = errors.New("reference: resource hazard")

	// ErrUpdateMismatch is returned for an update whose source was not
	// built for update or whose inputs differ from the original build.
	ErrUpdateMismatch = errors.New("reference: invalid acceleration structure update")

	// ErrUnknownStructure is returned when an instance or view references an
	// address that holds no built acceleration structure.
	ErrUnknownStructure = errors.New("reference: unknown acceleration structure")

	// ErrNotBound is returned when dispatching without a pipeline or heaps.
	ErrNotBound = errors.New("reference: pipeline state not bound")

	// ErrDispatchRange is returned for misaligned or empty shader table ranges.
	ErrDispatchRange = errors.New("reference: invalid shader table range")

	// ErrInvalidInputs is returned for malformed build inputs.
	ErrInvalidInputs = errors.New("reference: invalid build inputs")

	// ErrInvalidStateObject is returned for an inconsistent state object.
	ErrInvalidStateObject = errors.New("reference: invalid state object")
)

// Config selects the capabilities the device reports.
type Config struct {
	Tier                device.Tier
	FeatureLevel        device.FeatureLevel
	DescriptorIncrement uint32
}

// DefaultConfig returns a tier 1.0, feature level 12.1 configuration.
func DefaultConfig() Config {
	return Config{
		Tier:                device.Tier1_0,
		FeatureLevel:        device.FeatureLevel12_1,
		DescriptorIncrement: 32,
	}
}

// Stats counts executed commands.
type Stats struct {
	Builds     int
	Updates    int
	Dispatches int
	Copies     int
	Barriers   int
}

// Structure describes a built acceleration structure.
type Structure struct {
	Type          device.ASType
	Flags         device.BuildFlags
	Geometries    int
	Triangles     uint32
	InstanceCount uint32
	Instances     []device.InstanceDesc
	Buffer        *device.Buffer
}

// Device implements device.RayTracing.
type Device struct {
	cfg Config

	mu           sync.Mutex
	structures   map[device.GPUAddress]*Structure
	stats        Stats
	lastDispatch *device.DispatchRaysDesc
}

var _ device.RayTracing = (*Device)(nil)

// New creates a reference device.
func New(cfg Config) *Device {
	if cfg.DescriptorIncrement == 0 {
		cfg.DescriptorIncrement = DefaultConfig().DescriptorIncrement
	}
	return &Device{
		cfg:        cfg,
		structures: make(map[device.GPUAddress]*Structure),
	}
}

// Tier implements device.RayTracing.
func (d *Device) Tier() device.Tier { return d.cfg.Tier }

// FeatureLevel implements device.RayTracing.
func (d *Device) FeatureLevel() device.FeatureLevel { return d.cfg.FeatureLevel }

// DescriptorIncrement implements device.RayTracing.
func (d *Device) DescriptorIncrement(device.DescriptorHeapType) uint32 {
	return d.cfg.DescriptorIncrement
}

// Stats returns the executed command counts.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// LastDispatch returns the most recently executed dispatch.
func (d *Device) LastDispatch() (device.DispatchRaysDesc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastDispatch == nil {
		return device.DispatchRaysDesc{}, false
	}
	return *d.lastDispatch, true
}

// Structure returns the acceleration structure built at addr.
func (d *Device) Structure(addr device.GPUAddress) (Structure, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.structures[addr]
	if !ok {
		return Structure{}, false
	}
	return *s, true
}

// PrebuildInfo implements device.RayTracing.
//
// Bottom level: result 128+64 bytes per triangle, scratch 64+32 per
// triangle. Top level: result 128+128 per instance, scratch 64+64 per
// instance. Update scratch is half the build scratch. All sizes are
// rounded up to 256 bytes. Bottom-level inputs without geometry report
// zero sizes.
func (d *Device) PrebuildInfo(in *device.BuildInputs) (device.PrebuildInfo, error) {
	switch in.Type {
	case device.BottomLevel:
		if len(in.Geometries) == 0 {
			return device.PrebuildInfo{}, nil
		}
		tris, err := triangleCount(in.Geometries)
		if err != nil {
			return device.PrebuildInfo{}, err
		}
		return sizes(128+64*uint64(tris), 64+32*uint64(tris)), nil
	case device.TopLevel:
		n := uint64(in.InstanceCount)
		return sizes(128+128*n, 64+64*n), nil
	default:
		return device.PrebuildInfo{}, fmt.Errorf("%w: type %v", ErrInvalidInputs, in.Type)
	}
}

func sizes(result, scratch uint64) device.PrebuildInfo {
	return device.PrebuildInfo{
		ResultMaxSize:     device.AlignUp(result, 256),
		ScratchSize:       device.AlignUp(scratch, 256),
		UpdateScratchSize: device.AlignUp(scratch/2, 256),
	}
}

func triangleCount(geoms []device.GeometryDesc) (uint32, error) {
	var tris uint32
	for i, g := range geoms {
		t := g.Triangles
		if t.VertexFormat != gputypes.VertexFormatFloat32x3 {
			return 0, fmt.Errorf("%w: geometry %d vertex format %v", ErrInvalidInputs, i, t.VertexFormat)
		}
		if t.VertexStride < 12 {
			return 0, fmt.Errorf("%w: geometry %d stride %d", ErrInvalidInputs, i, t.VertexStride)
		}
		if t.VertexCount == 0 || t.VertexCount%3 != 0 {
			return 0, fmt.Errorf("%w: geometry %d has %d vertices", ErrInvalidInputs, i, t.VertexCount)
		}
		if t.VertexBuffer == 0 {
			return 0, fmt.Errorf("%w: geometry %d has no vertex buffer", ErrInvalidInputs, i)
		}
		tris += t.VertexCount / 3
	}
	return tris, nil
}

// identifier derives the opaque shader identifier of an export.
func identifier(name string) []byte {
	sum := sha256.Sum256([]byte(name))
	return sum[:device.ShaderIdentifierSize]
}
