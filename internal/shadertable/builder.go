package shadertable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/raytrace/internal/device"
)

// Builder errors.
var (
	// ErrSectionOrder is returned when records are not added as one
	// ray-generation record, then miss records, then hit records.
	ErrSectionOrder = errors.New("shadertable: records out of section order")

	// ErrArgumentCount is returned when a record's arguments do not match
	// its layout.
	ErrArgumentCount = errors.New("shadertable: argument count does not match layout")

	// ErrArgumentKind is returned when an argument does not match the kind
	// or size of its field.
	ErrArgumentKind = errors.New("shadertable: argument does not match field")

	// ErrUnknownExport is returned when the pipeline has no identifier for
	// an export.
	ErrUnknownExport = errors.New("shadertable: unknown export")
)

// Section is a shader table section.
type Section int

const (
	SectionRayGen Section = iota
	SectionMiss
	SectionHit
)

// String returns the string representation of Section.
func (s Section) String() string {
	switch s {
	case SectionRayGen:
		return "RayGen"
	case SectionMiss:
		return "Miss"
	case SectionHit:
		return "Hit"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Exports resolves shader identifiers and local root signatures. It is
// implemented by *pipeline.Pipeline.
type Exports interface {
	Identifier(name string) ([]byte, error)
	LocalRootSignature(name string) (*device.RootSignature, bool)
}

type record struct {
	section Section
	id      []byte
	layout  Layout
	args    []Arg
}

// Builder accumulates records in section order.
type Builder struct {
	exports Exports
	records []record
	counts  [3]int
}

// NewBuilder creates a builder resolving exports through e.
func NewBuilder(e Exports) *Builder {
	return &Builder{exports: e}
}

// AddRayGen adds the ray-generation record. It must be the first record.
func (b *Builder) AddRayGen(export string, args ...Arg) error {
	if len(b.records) > 0 {
		return fmt.Errorf("%w: ray generation record after %d records", ErrSectionOrder, len(b.records))
	}
	return b.add(SectionRayGen, export, args)
}

// AddMiss adds a miss record after the ray-generation record.
func (b *Builder) AddMiss(export string, args ...Arg) error {
	if b.counts[SectionRayGen] == 0 || b.counts[SectionHit] > 0 {
		return fmt.Errorf("%w: miss record %q", ErrSectionOrder, export)
	}
	return b.add(SectionMiss, export, args)
}

// AddHit adds a hit-group record after the ray-generation and miss records.
func (b *Builder) AddHit(export string, args ...Arg) error {
	if b.counts[SectionRayGen] == 0 {
		return fmt.Errorf("%w: hit record %q before ray generation", ErrSectionOrder, export)
	}
	return b.add(SectionHit, export, args)
}

func (b *Builder) add(section Section, export string, args []Arg) error {
	id, err := b.exports.Identifier(export)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownExport, err)
	}
	if len(id) != device.ShaderIdentifierSize {
		return fmt.Errorf("%w: %q has a %d-byte identifier", ErrUnknownExport, export, len(id))
	}
	rs, _ := b.exports.LocalRootSignature(export)
	layout := LayoutFor(export, rs)
	if len(args) != len(layout.Fields) {
		return fmt.Errorf("%w: %q takes %d, got %d", ErrArgumentCount, export, len(layout.Fields), len(args))
	}
	for i, a := range args {
		f := layout.Fields[i]
		if a.kind != f.Kind {
			return fmt.Errorf("%w: %q argument %d is %v, want %v", ErrArgumentKind, export, i, a.kind, f.Kind)
		}
		if f.Kind == FieldConstants && uint64(len(a.values))*4 != f.Size {
			return fmt.Errorf("%w: %q argument %d has %d constants, want %d",
				ErrArgumentKind, export, i, len(a.values), f.Size/4)
		}
	}
	b.records = append(b.records, record{section: section, id: id, layout: layout, args: args})
	b.counts[section]++
	return nil
}

// Stride returns the record stride: the largest record rounded up to the
// record alignment.
func (b *Builder) Stride() uint64 {
	largest := uint64(device.ShaderIdentifierSize)
	for _, r := range b.records {
		largest = max(largest, r.layout.RecordSize())
	}
	return device.AlignUp(largest, device.ShaderRecordAlignment)
}

// Build serializes the records into one contiguous table.
func (b *Builder) Build() (*Table, error) {
	if b.counts[SectionRayGen] != 1 {
		return nil, fmt.Errorf("%w: table has no ray generation record", ErrSectionOrder)
	}
	stride := b.Stride()

	var buf bytes.Buffer
	buf.Grow(int(stride) * len(b.records))
	rec := make([]byte, stride)
	for _, r := range b.records {
		clear(rec)
		copy(rec, r.id)
		for i, a := range r.args {
			f := r.layout.Fields[i]
			if f.Kind == FieldConstants {
				for j, v := range a.values {
					binary.LittleEndian.PutUint32(rec[f.Offset+uint64(4*j):], v)
				}
				continue
			}
			binary.LittleEndian.PutUint64(rec[f.Offset:], a.value)
		}
		buf.Write(rec)
	}

	return &Table{
		bytes:  buf.Bytes(),
		stride: stride,
		miss:   b.counts[SectionMiss],
		hit:    b.counts[SectionHit],
	}, nil
}

// Table is a serialized shader table.
type Table struct {
	bytes  []byte
	stride uint64
	miss   int
	hit    int
}

// Bytes returns the serialized records.
func (t *Table) Bytes() []byte { return t.bytes }

// Stride returns the record stride.
func (t *Table) Stride() uint64 { return t.stride }

// RecordCount returns the total number of records.
func (t *Table) RecordCount() int { return 1 + t.miss + t.hit }

// MissCount returns the number of miss records.
func (t *Table) MissCount() int { return t.miss }

// HitCount returns the number of hit-group records.
func (t *Table) HitCount() int { return t.hit }

// Record returns the bytes of record i.
func (t *Table) Record(i int) []byte {
	start := uint64(i) * t.stride
	return t.bytes[start : start+t.stride]
}

// Ranges returns the dispatch ranges of a table placed at base.
func (t *Table) Ranges(base device.GPUAddress) (device.AddressRange, device.StridedAddressRange, device.StridedAddressRange) {
	s := device.GPUAddress(t.stride)
	rayGen := device.AddressRange{Start: base, Size: t.stride}
	miss := device.StridedAddressRange{
		Start:  base + s,
		Size:   uint64(t.miss) * t.stride,
		Stride: t.stride,
	}
	hit := device.StridedAddressRange{
		Start:  base + s*device.GPUAddress(1+t.miss),
		Size:   uint64(t.hit) * t.stride,
		Stride: t.stride,
	}
	return rayGen, miss, hit
}

// Upload copies the table into a new upload-heap buffer.
func (t *Table) Upload(ctx *device.Context, label string) (*device.Buffer, error) {
	buf, err := ctx.CreateBuffer(label, uint64(len(t.bytes)), device.FlagNone, device.StateGenericRead, device.HeapUpload)
	if err != nil {
		return nil, err
	}
	if err := buf.Write(0, t.bytes); err != nil {
		buf.Destroy()
		return nil, err
	}
	return buf, nil
}

// DispatchDesc returns a dispatch of width x height rays over a table
// uploaded at base.
func (t *Table) DispatchDesc(base device.GPUAddress, width, height uint32) *device.DispatchRaysDesc {
	rayGen, miss, hit := t.Ranges(base)
	return &device.DispatchRaysDesc{
		RayGeneration: rayGen,
		Miss:          miss,
		HitGroup:      hit,
		Width:         width,
		Height:        height,
		Depth:         1,
	}
}
