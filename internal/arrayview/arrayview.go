// Package arrayview defines the narrow boundary between the transport and
// the caller's array library. The real dtype system, element storage, and
// indexing semantics live outside this module (spec: external collaborator);
// this package only describes the shape the transport needs to reduce an
// array to a Descriptor and reconstitute a view from one.
package arrayview

import "fmt"

// ByteOrder is the wire-level byte order tag for a DType.
type ByteOrder int

const (
	NativeOrder ByteOrder = iota
	LittleEndian
	BigEndian
)

func (b ByteOrder) String() string {
	switch b {
	case LittleEndian:
		return "<"
	case BigEndian:
		return ">"
	default:
		return "="
	}
}

// DType describes an array's element type. Opaque marks element types that
// are non-trivially-owned handles (e.g. references to Python objects); such
// arrays are never memory-mapped (spec §4.4, §4.6).
type DType struct {
	Name      string
	ItemSize  int
	ByteOrder ByteOrder
	Opaque    bool
}

func (d DType) String() string {
	return fmt.Sprintf("%s%s%d", d.ByteOrder, d.Name, d.ItemSize)
}

// Array is the read-only view the transport needs. A concrete numeric array
// library implements this over its own storage; Ndarray below is a minimal
// in-module implementation used by tests and the CLI demo.
type Array interface {
	DType() DType
	Shape() []int64
	Strides() []int64 // byte strides, same length as Shape
	Offset() int64     // bytes from the start of Base() (or of self, if Base() is nil)
	NBytes() int64
	Base() Array // nil if this array owns its buffer
	IsMemmapBacked() bool
	CContiguous() bool
	FContiguous() bool
}

// ByteBounds returns [start, end) of a's footprint within its ultimate base
// buffer, in bytes. Mirrors numpy's byte_bounds: a negative stride walks
// backward from the offset, so it lowers start instead of raising end.
func ByteBounds(a Array) (start, end int64) {
	itemsize := int64(a.DType().ItemSize)
	off := a.Offset()
	if len(a.Shape()) == 0 {
		return off, off + itemsize
	}
	low, high := off, off
	for i, n := range a.Shape() {
		if n == 0 {
			return off, off
		}
		s := a.Strides()[i]
		if s >= 0 {
			high += s * (n - 1)
		} else {
			low += s * (n - 1)
		}
	}
	return low, high + itemsize
}

// RootBase walks the Base() chain and returns the deepest ancestor that
// owns its own buffer (Base() == nil).
func RootBase(a Array) Array {
	for a.Base() != nil {
		a = a.Base()
	}
	return a
}

// MemmapSource is implemented by Array values that were themselves decoded
// from a Descriptor: they remember the backing filename and the file-level
// byte offset their own data starts at. ForwardReducer uses this to emit a
// "no new file" reduction when an array is already backed by a known
// memory map (spec §4.6 step 1).
type MemmapSource interface {
	MemmapFilename() string
	MemmapFileOffset() int64
}

// BackingMemmap walks a's Base() chain (starting at a itself) and returns
// the first ancestor whose own base is a raw OS memory mapping — i.e. the
// first ancestor with IsMemmapBacked() true. Returns nil if no such
// ancestor exists (spec §4.6).
func BackingMemmap(a Array) Array {
	cur := a
	for {
		if cur.IsMemmapBacked() {
			return cur
		}
		b := cur.Base()
		if b == nil {
			return nil
		}
		cur = b
	}
}
