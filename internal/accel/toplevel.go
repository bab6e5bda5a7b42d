package accel

import (
	"fmt"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/raytrace/internal/device"
)

// Instance places a bottom-level structure in the scene. Instances spin
// about the Y axis by the frame rotation when Spin is set.
type Instance struct {
	BLAS     *BottomLevel
	Position f32.Vec3
	Spin     bool
}

// TopLevel is a top-level structure and the buffers it was first built
// with. Updates reuse the buffers; ResultSize never changes.
type TopLevel struct {
	Result     *device.Buffer
	Scratch    *device.Buffer
	Instances  *device.Buffer
	ResultSize uint64

	count   int
	updates uint64
}

// Address returns the GPU address of the structure.
func (t *TopLevel) Address() device.GPUAddress { return t.Result.GPUAddress() }

// InstanceCount returns the number of instances the structure was built with.
func (t *TopLevel) InstanceCount() int { return t.count }

// Updates returns the number of in-place updates recorded.
func (t *TopLevel) Updates() uint64 { return t.updates }

// Destroy releases the structure's buffers.
func (t *TopLevel) Destroy() {
	t.Result.Destroy()
	t.Scratch.Destroy()
	t.Instances.Destroy()
}

// ContributionOffsets returns the hit-group contribution offset of each
// instance and the total: a running sum of geometry count times rayTypes,
// in declaration order.
func ContributionOffsets(instances []Instance, rayTypes uint32) ([]uint32, uint32) {
	offsets := make([]uint32, len(instances))
	var total uint32
	for i, inst := range instances {
		offsets[i] = total
		if inst.BLAS != nil {
			total += uint32(inst.BLAS.GeometryCount()) * rayTypes
		}
	}
	return offsets, total
}

// InstanceDescs returns the instance descriptors for a frame rotated by
// rotation.
func InstanceDescs(instances []Instance, rotation float32) ([]device.InstanceDesc, error) {
	offsets, _ := ContributionOffsets(instances, RayTypeCount)
	descs := make([]device.InstanceDesc, len(instances))
	for i, inst := range instances {
		if inst.BLAS == nil {
			return nil, fmt.Errorf("%w: instance %d", ErrNoBottomLevel, i)
		}
		descs[i] = device.InstanceDesc{
			Transform:             ComposeTransform(inst.Position, inst.Spin, rotation),
			InstanceID:            uint32(i),
			Mask:                  device.InstanceMaskAll,
			ContributionOffset:    offsets[i],
			Flags:                 device.InstanceFlagNone,
			AccelerationStructure: inst.BLAS.Address(),
		}
	}
	return descs, nil
}

// BuildTopLevel records a top-level build over instances.
//
// With existing nil and isUpdate false, the scratch, result and instance
// buffers are allocated from the prebuild sizes. With existing set, they
// are reused: isUpdate records an in-place update with the previous result
// as source and destination; otherwise the structure is rebuilt into the
// same buffers. The instance buffer is rewritten before every build. A UAV
// barrier on the result precedes updates and follows every build.
func BuildTopLevel(ctx *device.Context, list *device.CommandList, instances []Instance, rotation float32, existing *TopLevel, isUpdate bool) (*TopLevel, error) {
	if isUpdate && existing == nil {
		return nil, ErrNoTopLevel
	}
	if existing != nil && existing.count != len(instances) {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInstanceCountChanged, existing.count, len(instances))
	}

	descs, err := InstanceDescs(instances, rotation)
	if err != nil {
		return nil, err
	}

	inputs := device.BuildInputs{
		Type:          device.TopLevel,
		Flags:         device.BuildFlagAllowUpdate,
		InstanceCount: uint32(len(instances)),
	}

	tlas := existing
	if tlas == nil {
		if tlas, err = allocTopLevel(ctx, &inputs, len(instances)); err != nil {
			return nil, err
		}
	} else if isUpdate {
		if err := list.UAVBarrier(tlas.Result); err != nil {
			return nil, err
		}
	}

	raw := make([]byte, len(descs)*device.InstanceDescSize)
	for i := range descs {
		if err := descs[i].Encode(raw[i*device.InstanceDescSize:]); err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
	}
	if len(raw) > 0 {
		if err := tlas.Instances.Write(0, raw); err != nil {
			return nil, err
		}
	}

	inputs.InstanceDescs = tlas.Instances.GPUAddress()
	build := &device.BuildDesc{
		Inputs:    inputs,
		Dest:      tlas.Result,
		Scratch:   tlas.Scratch,
		Instances: tlas.Instances,
	}
	if isUpdate {
		build.Inputs.Flags |= device.BuildFlagPerformUpdate
		build.Source = tlas.Result
		tlas.updates++
	}
	if err := list.BuildAccelerationStructure(build); err != nil {
		return nil, err
	}
	if err := list.UAVBarrier(tlas.Result); err != nil {
		return nil, err
	}
	return tlas, nil
}

func allocTopLevel(ctx *device.Context, inputs *device.BuildInputs, count int) (*TopLevel, error) {
	info, err := ctx.RayTracing().PrebuildInfo(inputs)
	if err != nil {
		return nil, fmt.Errorf("top-level prebuild: %w", err)
	}
	if !info.Valid() {
		return nil, fmt.Errorf("%w: top-level over %d instances: %+v", ErrInvalidPrebuildInfo, count, info)
	}

	scratch, err := ctx.CreateBuffer("tlas-scratch", info.ScratchSize,
		device.FlagAllowUnorderedAccess, device.StateUnorderedAccess, device.HeapDefault)
	if err != nil {
		return nil, err
	}
	result, err := ctx.CreateBuffer("tlas-result", info.ResultMaxSize,
		device.FlagAllowUnorderedAccess, device.StateAccelerationStructure, device.HeapDefault)
	if err != nil {
		scratch.Destroy()
		return nil, err
	}
	instSize := uint64(max(count, 1)) * device.InstanceDescSize
	inst, err := ctx.CreateBuffer("tlas-instances", instSize,
		device.FlagNone, device.StateGenericRead, device.HeapUpload)
	if err != nil {
		scratch.Destroy()
		result.Destroy()
		return nil, err
	}
	return &TopLevel{
		Result:     result,
		Scratch:    scratch,
		Instances:  inst,
		ResultSize: info.ResultMaxSize,
		count:      count,
	}, nil
}
