package reducer

import (
	"path/filepath"
	"testing"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/backingstore"
	"github.com/kclejeune/shmarray/internal/options"
	"github.com/kclejeune/shmarray/internal/tracker"
)

func newTestForward(t *testing.T, opts *options.Options) *ForwardReducer {
	t.Helper()
	if opts == nil {
		opts = options.Default()
	}
	tr := tracker.New()
	t.Cleanup(tr.Close)
	store := backingstore.New(filepath.Join(t.TempDir(), "ctx"), false, opts, tr)
	return NewForward(store, opts)
}

func TestForwardReduceSmallArrayInline(t *testing.T) {
	r := newTestForward(t, nil)
	a := arrayview.NewContiguous(arrayview.DType{Name: "float64", ItemSize: 8}, []int64{2}, false)

	red, err := r.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor != nil || red.Inline == nil {
		t.Error("array under max_nbytes threshold should reduce inline")
	}
}

func TestForwardReduceLargeArrayDescriptor(t *testing.T) {
	zero := int64(0) // max_nbytes=0: every non-empty array exceeds it
	opts := options.Default()
	opts.MaxNBytes = &zero
	r := newTestForward(t, opts)

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{2, 3, 4}, false)
	red, err := r.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor == nil {
		t.Fatal("array exceeding max_nbytes should reduce to a Descriptor")
	}
	if red.Descriptor.Strides != nil {
		t.Error("C-contiguous array should not carry explicit strides")
	}
}

func TestForwardReduceOpaqueDtypeNeverMemmapped(t *testing.T) {
	zero := int64(0)
	opts := options.Default()
	opts.MaxNBytes = &zero
	r := newTestForward(t, opts)

	a := arrayview.NewContiguous(arrayview.DType{Name: "object", ItemSize: 8, Opaque: true}, []int64{4}, false)
	red, err := r.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor != nil {
		t.Error("opaque dtype must never be memmapped regardless of size")
	}
}

func TestForwardReduceNeverMemmapWhenMaxNBytesNil(t *testing.T) {
	opts := options.Default()
	opts.MaxNBytes = nil
	r := newTestForward(t, opts)

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{1000}, false)
	red, err := r.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor != nil {
		t.Error("max_nbytes=nil must disable memmapping entirely")
	}
}

func TestForwardReduceSameArrayTwiceSameBasename(t *testing.T) {
	zero := int64(0)
	opts := options.Default()
	opts.MaxNBytes = &zero
	r := newTestForward(t, opts)

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{8}, false)
	r1, err := r.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := r.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Descriptor.Filename != r2.Descriptor.Filename {
		t.Error("repeated forward reduction of the same object must reuse the basename")
	}
}

func TestForwardReduceAlreadyMemmappedNoNewFile(t *testing.T) {
	r := newTestForward(t, nil)

	base := &arrayview.Ndarray{
		Dtype:      arrayview.DType{Name: "float64", ItemSize: 8},
		Shape_:     []int64{10},
		Strides_:   []int64{8},
		Data:       make([]byte, 80),
		Memmap:     true,
		File:       "/tmp/already-mapped.pkl",
		FileOffset: 0,
	}
	view := &arrayview.Ndarray{
		Dtype:    base.Dtype,
		Shape_:   []int64{4},
		Strides_: []int64{8},
		Offset_:  16,
		Base_:    base,
	}

	red, err := r.Reduce(view)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor == nil {
		t.Fatal("view into an already-memmapped array must reduce to a Descriptor")
	}
	if red.Descriptor.Filename != "/tmp/already-mapped.pkl" {
		t.Errorf("filename = %q, want reuse of existing backing file", red.Descriptor.Filename)
	}
}

func TestBackwardReduceInlineWhenNotOwned(t *testing.T) {
	r := NewBackward()
	base := &arrayview.Ndarray{
		Dtype:  arrayview.DType{Name: "float64", ItemSize: 8},
		Shape_: []int64{4},
		Data:   make([]byte, 32),
		Memmap: true,
		File:   "/tmp/worker-private.pkl",
	}

	red, err := r.Reduce(base)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor != nil {
		t.Error("memmap not in the owned set must never be reduced by descriptor")
	}
	if red.Inline == nil {
		t.Error("expected inline fallback")
	}
}

func TestBackwardReduceDescriptorWhenOwned(t *testing.T) {
	r := NewBackward()
	r.MarkOwned("/tmp/coordinator-owned.pkl")

	base := &arrayview.Ndarray{
		Dtype:      arrayview.DType{Name: "float64", ItemSize: 8},
		Shape_:     []int64{4},
		Strides_:   []int64{8},
		Data:       make([]byte, 32),
		Memmap:     true,
		File:       "/tmp/coordinator-owned.pkl",
		FileOffset: 0,
	}

	red, err := r.Reduce(base)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor == nil {
		t.Fatal("reduction of an owned memmap should preserve shared storage")
	}
	if red.Descriptor.Filename != "/tmp/coordinator-owned.pkl" {
		t.Errorf("filename = %q, want the owned backing file", red.Descriptor.Filename)
	}
}

func TestBackwardReduceNonMemmapAlwaysInline(t *testing.T) {
	r := NewBackward()
	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{4}, false)

	red, err := r.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor != nil {
		t.Error("freshly allocated array has no backing memmap and must be inline")
	}
}
