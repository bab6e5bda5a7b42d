// Package shadertable lays out and serializes shader tables.
//
// A table is a contiguous run of fixed-stride records in three sections:
// one ray-generation record, the miss records, then the hit-group records.
// Each record starts with the 32-byte shader identifier, followed by the
// root arguments of the export's local root signature at the offsets the
// signature dictates.
package shadertable

import (
	"fmt"

	"github.com/gogpu/raytrace/internal/device"
)

// FieldKind is the kind of a root argument.
type FieldKind int

const (
	// FieldDescriptorTable is an 8-byte GPU descriptor handle.
	FieldDescriptorTable FieldKind = iota
	// FieldRootDescriptor is an 8-byte GPU virtual address.
	FieldRootDescriptor
	// FieldConstants is a run of 32-bit values.
	FieldConstants
)

// String returns the string representation of FieldKind.
func (k FieldKind) String() string {
	switch k {
	case FieldDescriptorTable:
		return "DescriptorTable"
	case FieldRootDescriptor:
		return "RootDescriptor"
	case FieldConstants:
		return "Constants"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Field is one root argument of a record. Offset is relative to the
// record start, past the identifier.
type Field struct {
	Kind   FieldKind
	Offset uint64
	Size   uint64
}

// Layout is the record layout of one export.
type Layout struct {
	Export string
	Fields []Field

	// ArgsSize is the byte size of the root arguments.
	ArgsSize uint64
}

// LayoutFor derives the record layout of export from its local root
// signature. A nil signature yields an identifier-only layout.
func LayoutFor(export string, rs *device.RootSignature) Layout {
	l := Layout{Export: export}
	if rs == nil {
		return l
	}
	off := uint64(0)
	for _, p := range rs.Parameters() {
		f := Field{Size: p.Size()}
		switch p.Type {
		case device.ParamDescriptorTable:
			f.Kind = FieldDescriptorTable
		case device.ParamConstants:
			f.Kind = FieldConstants
		default:
			f.Kind = FieldRootDescriptor
		}
		if f.Kind != FieldConstants {
			off = device.AlignUp(off, 8)
		}
		f.Offset = device.ShaderIdentifierSize + off
		off += f.Size
		l.Fields = append(l.Fields, f)
	}
	l.ArgsSize = off
	return l
}

// RecordSize returns the unaligned size of a record with this layout.
func (l Layout) RecordSize() uint64 {
	return device.ShaderIdentifierSize + l.ArgsSize
}

// Arg is a root argument value.
type Arg struct {
	kind   FieldKind
	value  uint64
	values []uint32
}

// DescriptorTable returns a descriptor table argument.
func DescriptorTable(h device.GPUHandle) Arg { return Arg{kind: FieldDescriptorTable, value: uint64(h)} }

// Address returns a root descriptor argument.
func Address(a device.GPUAddress) Arg { return Arg{kind: FieldRootDescriptor, value: uint64(a)} }

// Constants returns a root constants argument.
func Constants(v ...uint32) Arg { return Arg{kind: FieldConstants, values: v} }

// Kind returns the argument kind.
func (a Arg) Kind() FieldKind { return a.kind }
