package device_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/raytrace/internal/device"
)

func TestInstanceDescLayout(t *testing.T) {
	d := device.InstanceDesc{
		Transform:             [12]float32{1, 0, 0, 1.5, 0, 1, 0, 0, 0, 0, 1, -0.5},
		InstanceID:            7,
		Mask:                  device.InstanceMaskAll,
		ContributionOffset:    6,
		Flags:                 device.InstanceFlagForceOpaque,
		AccelerationStructure: 0x1_0000_0100,
	}
	buf := make([]byte, device.InstanceDescSize)
	if err := d.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if got := math.Float32frombits(binary.LittleEndian.Uint32(buf[12:])); got != 1.5 {
		t.Errorf("transform[3] = %v, want 1.5", got)
	}
	if got := binary.LittleEndian.Uint32(buf[48:]); got != 0xFF000007 {
		t.Errorf("id/mask word = %#x, want 0xff000007", got)
	}
	if got := binary.LittleEndian.Uint32(buf[52:]); got != 0x04000006 {
		t.Errorf("offset/flags word = %#x, want 0x04000006", got)
	}
	if got := binary.LittleEndian.Uint64(buf[56:]); got != 0x1_0000_0100 {
		t.Errorf("address = %#x", got)
	}

	back, err := device.DecodeInstanceDesc(buf)
	if err != nil {
		t.Fatalf("DecodeInstanceDesc failed: %v", err)
	}
	if back != d {
		t.Errorf("decoded %+v, want %+v", back, d)
	}
}

func TestInstanceDescLimits(t *testing.T) {
	buf := make([]byte, device.InstanceDescSize)

	d := device.InstanceDesc{InstanceID: device.MaxInstanceID + 1}
	if err := d.Encode(buf); !errors.Is(err, device.ErrInstanceDesc) {
		t.Errorf("oversized id error = %v, want %v", err, device.ErrInstanceDesc)
	}
	d = device.InstanceDesc{ContributionOffset: device.MaxContributionOffset + 1}
	if err := d.Encode(buf); !errors.Is(err, device.ErrInstanceDesc) {
		t.Errorf("oversized offset error = %v, want %v", err, device.ErrInstanceDesc)
	}
	if err := d.Encode(buf[:10]); !errors.Is(err, device.ErrInstanceDesc) {
		t.Errorf("short buffer error = %v, want %v", err, device.ErrInstanceDesc)
	}
	if _, err := device.DecodeInstanceDesc(buf[:63]); !errors.Is(err, device.ErrInstanceDesc) {
		t.Errorf("short decode error = %v, want %v", err, device.ErrInstanceDesc)
	}
}
