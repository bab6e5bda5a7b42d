package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInstanceDesc is returned when decoding a malformed instance descriptor.
var ErrInstanceDesc = errors.New("device: malformed instance descriptor")

// Instance descriptor field limits.
const (
	MaxInstanceID         = 1<<24 - 1
	MaxContributionOffset = 1<<24 - 1
)

// InstanceMaskAll makes an instance visible to every ray.
const InstanceMaskAll uint8 = 0xFF

// InstanceFlags control per-instance traversal behavior.
type InstanceFlags uint8

const (
	InstanceFlagNone                InstanceFlags = 0
	InstanceFlagTriangleCullDisable InstanceFlags = 0x1
	InstanceFlagTriangleFrontCCW    InstanceFlags = 0x2
	InstanceFlagForceOpaque         InstanceFlags = 0x4
	InstanceFlagForceNonOpaque      InstanceFlags = 0x8
)

// InstanceDesc places a bottom-level structure in a top-level structure.
//
// Transform is a 3x4 row-major object-to-world matrix: each row holds the
// rotation row followed by the translation component.
type InstanceDesc struct {
	Transform             [12]float32
	InstanceID            uint32
	Mask                  uint8
	ContributionOffset    uint32
	Flags                 InstanceFlags
	AccelerationStructure GPUAddress
}

// Encode writes the 64-byte binary form of d into dst.
//
// Layout: 48 bytes of transform, a 32-bit word of 24-bit instance ID and
// 8-bit mask, a 32-bit word of 24-bit contribution offset and 8-bit flags,
// then the 64-bit structure address. All fields are little-endian.
func (d *InstanceDesc) Encode(dst []byte) error {
	if len(dst) < InstanceDescSize {
		return fmt.Errorf("%w: %d byte buffer", ErrInstanceDesc, len(dst))
	}
	if d.InstanceID > MaxInstanceID {
		return fmt.Errorf("%w: instance id %d exceeds 24 bits", ErrInstanceDesc, d.InstanceID)
	}
	if d.ContributionOffset > MaxContributionOffset {
		return fmt.Errorf("%w: contribution offset %d exceeds 24 bits", ErrInstanceDesc, d.ContributionOffset)
	}
	for i, v := range d.Transform {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(dst[48:], d.InstanceID|uint32(d.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], d.ContributionOffset|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(d.AccelerationStructure))
	return nil
}

// DecodeInstanceDesc reads an instance descriptor from its binary form.
func DecodeInstanceDesc(src []byte) (InstanceDesc, error) {
	var d InstanceDesc
	if len(src) < InstanceDescSize {
		return d, fmt.Errorf("%w: %d bytes", ErrInstanceDesc, len(src))
	}
	for i := range d.Transform {
		d.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	w := binary.LittleEndian.Uint32(src[48:])
	d.InstanceID = w & MaxInstanceID
	d.Mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(src[52:])
	d.ContributionOffset = w & MaxContributionOffset
	d.Flags = InstanceFlags(w >> 24)
	d.AccelerationStructure = GPUAddress(binary.LittleEndian.Uint64(src[56:]))
	return d, nil
}
