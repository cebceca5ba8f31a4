package arrayview

// Ndarray is a minimal concrete Array used by tests and the CLI demo. It
// does not own storage itself; Data is the backing byte slice (or nil for a
// view whose Base is set).
type Ndarray struct {
	Dtype      DType
	Shape_     []int64
	Strides_   []int64
	Offset_    int64
	Data       []byte // non-nil only for root arrays
	Base_      Array
	Memmap     bool   // true iff this array's own base is a raw OS mapping
	File       string // backing filename, set only when Memmap is true
	FileOffset int64  // file-level byte offset Data starts at, valid iff Memmap
}

func (n *Ndarray) DType() DType         { return n.Dtype }
func (n *Ndarray) Shape() []int64       { return n.Shape_ }
func (n *Ndarray) Strides() []int64     { return n.Strides_ }
func (n *Ndarray) Offset() int64        { return n.Offset_ }
func (n *Ndarray) Base() Array          { return n.Base_ }
func (n *Ndarray) IsMemmapBacked() bool { return n.Memmap }

// MemmapFilename and MemmapFileOffset implement arrayview.MemmapSource.
func (n *Ndarray) MemmapFilename() string   { return n.File }
func (n *Ndarray) MemmapFileOffset() int64 { return n.FileOffset }

func (n *Ndarray) NBytes() int64 {
	size := int64(n.Dtype.ItemSize)
	for _, s := range n.Shape_ {
		size *= s
	}
	return size
}

func (n *Ndarray) CContiguous() bool {
	return stridesMatch(n.Shape_, n.Strides_, int64(n.Dtype.ItemSize), false)
}

func (n *Ndarray) FContiguous() bool {
	return stridesMatch(n.Shape_, n.Strides_, int64(n.Dtype.ItemSize), true)
}

// stridesMatch reports whether strides are exactly the C- (or F-, if
// fortran) contiguous strides for shape/itemsize.
func stridesMatch(shape, strides []int64, itemsize int64, fortran bool) bool {
	if len(shape) != len(strides) {
		return false
	}
	if len(shape) == 0 {
		return true
	}
	expected := make([]int64, len(shape))
	acc := itemsize
	if fortran {
		for i := range shape {
			expected[i] = acc
			acc *= shape[i]
		}
	} else {
		for i := len(shape) - 1; i >= 0; i-- {
			expected[i] = acc
			acc *= shape[i]
		}
	}
	for i, n := range shape {
		if n <= 1 {
			continue // degenerate dims don't constrain contiguity
		}
		if strides[i] != expected[i] {
			return false
		}
	}
	return true
}

// NewContiguous builds a C-contiguous (or Fortran-contiguous) root Ndarray
// over freshly allocated storage.
func NewContiguous(dtype DType, shape []int64, fortran bool) *Ndarray {
	n := &Ndarray{Dtype: dtype, Shape_: append([]int64(nil), shape...)}
	n.Strides_ = contiguousStrides(shape, int64(dtype.ItemSize), fortran)
	n.Data = make([]byte, n.NBytes())
	return n
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

// Permute returns a view over n with axes reordered according to axes
// (numpy's a.transpose(*axes) semantics), sharing the same base. len(axes)
// must equal n's rank and contain a permutation of [0, rank).
func (n *Ndarray) Permute(axes []int) *Ndarray {
	shape := make([]int64, len(axes))
	strides := make([]int64, len(axes))
	for i, ax := range axes {
		shape[i] = n.Shape_[ax]
		strides[i] = n.Strides_[ax]
	}
	base := Array(n)
	if n.Base_ != nil {
		base = n.Base_
	}
	return &Ndarray{
		Dtype:    n.Dtype,
		Shape_:   shape,
		Strides_: strides,
		Offset_:  n.Offset_,
		Base_:    base,
	}
}

// Transpose returns a view over n with axes reversed (n.T semantics).
func (n *Ndarray) Transpose() *Ndarray {
	axes := make([]int, len(n.Shape_))
	for i := range axes {
		axes[i] = len(n.Shape_) - 1 - i
	}
	return n.Permute(axes)
}
