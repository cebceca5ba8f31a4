// Package descriptor implements the bit-exact codec between an array view
// over a backing file and its cross-process wire form (spec §4.3, C3).
package descriptor

import (
	"fmt"

	"github.com/kclejeune/shmarray/internal/arrayview"
)

// Order is the memory layout tag emitted on the wire.
type Order string

const (
	OrderC Order = "C"
	OrderF Order = "F"
)

// Mode is the open mode a Descriptor requests. "w+" must never be emitted
// (spec §3, §6); Decode canonicalizes it to ModeReadWrite if it is ever
// encountered on an untrusted wire value.
type Mode string

const (
	ModeRead        Mode = "r"
	ModeReadWrite   Mode = "r+"
	ModeCopyOnWrite Mode = "c"
	modeWritePlus   Mode = "w+" // never emitted; only used by canonicalize
)

// Descriptor is the wire form of an array view over a BackingFile (spec §3,
// §6).
type Descriptor struct {
	Filename       string
	DType          arrayview.DType
	Mode           Mode
	Offset         uint64
	Order          Order
	Shape          []uint64
	Strides        []int64 // optional: nil iff the view was contiguous
	TotalBufferLen uint64  // optional: present iff Strides is non-nil
	UnlinkOnGC     bool
}

// Backing is the subset of BackingFile state Encode needs: the byte bounds
// of the backing array's own footprint, its declared file offset, and
// whether its buffer is Fortran-contiguous.
type Backing struct {
	Start            int64 // byte_bounds(backing).start
	Offset           int64 // byte offset of the backing file's own base
	FContiguousOrder bool  // true if the backing buffer is Fortran-contiguous
}

// Encode computes the Descriptor for view as stored within backing (spec
// §4.3). offset = byte_bounds(view).start - byte_bounds(backing).start +
// backing.Offset.
func Encode(view arrayview.Array, backing Backing, filename string, mode Mode, unlinkOnGC bool) (Descriptor, error) {
	if mode == modeWritePlus {
		return Descriptor{}, fmt.Errorf("descriptor: mode %q must never be encoded", modeWritePlus)
	}

	viewStart, viewEnd := arrayview.ByteBounds(view)
	offset := viewStart - backing.Start + backing.Offset
	if offset < 0 {
		return Descriptor{}, fmt.Errorf("descriptor: computed negative offset %d", offset)
	}

	order := OrderC
	if backing.FContiguousOrder {
		order = OrderF
	}

	shape := make([]uint64, len(view.Shape()))
	for i, n := range view.Shape() {
		shape[i] = uint64(n)
	}

	d := Descriptor{
		Filename:   filename,
		DType:      view.DType(),
		Mode:       mode,
		Offset:     uint64(offset),
		Order:      order,
		Shape:      shape,
		UnlinkOnGC: unlinkOnGC,
	}

	if !view.CContiguous() && !view.FContiguous() {
		strides := append([]int64(nil), view.Strides()...)
		d.Strides = strides
		itemsize := int64(view.DType().ItemSize)
		if itemsize == 0 {
			return Descriptor{}, fmt.Errorf("descriptor: dtype %v has zero item size", view.DType())
		}
		d.TotalBufferLen = uint64((viewEnd - viewStart) / itemsize)
	}

	return d, nil
}

// OpenFunc opens total elements of itemsize bytes each, starting at
// byteOffset within filename, in the given mode, and returns the mapped
// bytes.
type OpenFunc func(filename string, mode Mode, byteOffset int64, total int64) ([]byte, error)

// Decode reconstitutes an array view from a Descriptor (spec §4.3). "w+" is
// canonicalized to "r+" before opening, per spec §3/§6.
func Decode(d Descriptor, open OpenFunc) (*arrayview.Ndarray, error) {
	mode := d.Mode
	if mode == modeWritePlus {
		mode = ModeReadWrite
	}

	itemsize := int64(d.DType.ItemSize)
	shape := make([]int64, len(d.Shape))
	nelem := int64(1)
	for i, n := range d.Shape {
		shape[i] = int64(n)
		nelem *= int64(n)
	}

	if d.Strides == nil {
		data, err := open(d.Filename, mode, int64(d.Offset), nelem)
		if err != nil {
			return nil, fmt.Errorf("descriptor: opening mapping: %w", err)
		}
		strides := contiguousStrides(shape, itemsize, d.Order == OrderF)
		return &arrayview.Ndarray{
			Dtype:      d.DType,
			Shape_:     shape,
			Strides_:   strides,
			Data:       data,
			Memmap:     true,
			File:       d.Filename,
			FileOffset: int64(d.Offset),
		}, nil
	}

	data, err := open(d.Filename, mode, int64(d.Offset), int64(d.TotalBufferLen))
	if err != nil {
		return nil, fmt.Errorf("descriptor: opening strided mapping: %w", err)
	}
	base := &arrayview.Ndarray{
		Dtype:      d.DType,
		Shape_:     []int64{int64(d.TotalBufferLen)},
		Strides_:   []int64{itemsize},
		Data:       data,
		Memmap:     true,
		File:       d.Filename,
		FileOffset: int64(d.Offset),
	}
	return &arrayview.Ndarray{
		Dtype:    d.DType,
		Shape_:   shape,
		Strides_: append([]int64(nil), d.Strides...),
		Offset_:  negativeStrideOffset(shape, d.Strides),
		Base_:    base,
	}, nil
}

// negativeStrideOffset returns the byte distance from the low end of a
// strided view's footprint (d.Offset, where the mapping starts) up to its
// logical element [0,...,0]. Encode's Offset field always addresses the low
// end of byte_bounds (spec §4.3), so any axis with a negative stride walks
// backward from element zero — this recovers exactly the amount it walked,
// using only the shape/strides already on the wire.
func negativeStrideOffset(shape, strides []int64) int64 {
	var off int64
	for i, s := range strides {
		if s < 0 {
			off += -s * (shape[i] - 1)
		}
	}
	return off
}

func contiguousStrides(shape []int64, itemsize int64, fortran bool) []int64 {
	strides := make([]int64, len(shape))
	acc := itemsize
	if fortran {
		for i := range shape {
			strides[i] = acc
			acc *= shape[i]
		}
	} else {
		for i := len(shape) - 1; i >= 0; i-- {
			strides[i] = acc
			acc *= shape[i]
		}
	}
	return strides
}
