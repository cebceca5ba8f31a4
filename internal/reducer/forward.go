package reducer

import (
	"fmt"
	"sync"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/backingstore"
	"github.com/kclejeune/shmarray/internal/descriptor"
	"github.com/kclejeune/shmarray/internal/options"
)

// ForwardReducer implements the coordinator->worker reduction rule (spec
// §4.6, C6). Per-instance state: max_nbytes and the mmap mode for reused
// memmaps come from opts, the mmap/prewarm policy for new files lives on the
// BackingStore it delegates to; the mutex-guarded filenames
// set is this reducer's own bookkeeping, protected because the outer
// scheduler may drive it from multiple goroutines (spec §5).
type ForwardReducer struct {
	mu        sync.Mutex
	store     *backingstore.Store
	opts      *options.Options
	filenames map[string]struct{}
}

// NewForward binds a ForwardReducer to store and opts. The WeakArrayKeyMap
// dedup itself lives inside store (spec §4.4); this reducer only tracks
// which filenames it has ever emitted, for observability.
func NewForward(store *backingstore.Store, opts *options.Options) *ForwardReducer {
	if opts == nil {
		opts = options.Default()
	}
	return &ForwardReducer{
		store:     store,
		opts:      opts,
		filenames: make(map[string]struct{}),
	}
}

// Reduce implements the three-way rule from spec §4.6:
//  1. If a is already backed by a known memory map, emit a Descriptor that
//     reuses it — no new file.
//  2. Else if dtype(a) is not opaque and nbytes(a) > max_nbytes, delegate
//     to BackingStore.
//  3. Else, fall back to inline.
func (r *ForwardReducer) Reduce(a arrayview.Array) (Reduced, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok, err := r.reuseExistingMemmap(a); err != nil {
		return Reduced{}, err
	} else if ok {
		return Reduced{Descriptor: d}, nil
	}

	if !a.DType().Opaque && r.opts.ExceedsThreshold(a.NBytes()) {
		nd, ok := a.(*arrayview.Ndarray)
		if !ok {
			// Reduction refused: the concrete storage type doesn't support
			// persisting through BackingStore. Not an error (spec §7.4).
			return Reduced{Inline: a}, nil
		}
		d, err := r.store.Put(nd)
		if err != nil {
			return Reduced{}, fmt.Errorf("reducer: forward reduction: %w", err)
		}
		r.filenames[d.Filename] = struct{}{}
		return Reduced{Descriptor: &d}, nil
	}

	return Reduced{Inline: a}, nil
}

// reuseExistingMemmap implements step 1: walk a's base chain for an
// ancestor whose own base is a raw OS mapping, and if one exists, encode a
// Descriptor against it directly rather than creating a new BackingFile.
func (r *ForwardReducer) reuseExistingMemmap(a arrayview.Array) (*descriptor.Descriptor, bool, error) {
	m := arrayview.BackingMemmap(a)
	if m == nil {
		return nil, false, nil
	}
	src, ok := m.(arrayview.MemmapSource)
	if !ok || src.MemmapFilename() == "" {
		return nil, false, nil
	}

	backingStart, _ := arrayview.ByteBounds(m)
	backing := descriptor.Backing{
		Start:            backingStart,
		Offset:           src.MemmapFileOffset(),
		FContiguousOrder: m.FContiguous() && !m.CContiguous(),
	}

	mode := toDescriptorMode(r.opts.MmapMode)
	d, err := descriptor.Encode(a, backing, src.MemmapFilename(), mode, r.opts.UnlinkOnGCCollect)
	if err != nil {
		return nil, false, fmt.Errorf("reducer: reusing existing memmap: %w", err)
	}
	r.filenames[d.Filename] = struct{}{}
	return &d, true, nil
}

func toDescriptorMode(m options.MmapMode) descriptor.Mode {
	switch m {
	case options.ModeReadWrite:
		return descriptor.ModeReadWrite
	case options.ModeCopyOnWrite:
		return descriptor.ModeCopyOnWrite
	default:
		return descriptor.ModeRead
	}
}
