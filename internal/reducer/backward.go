package reducer

import (
	"fmt"
	"sync"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/descriptor"
)

// BackwardReducer implements the worker->coordinator reduction rule (spec
// §4.7, C7): a worker must never create a new shared backing file. It only
// knows how to re-emit a Descriptor for a memmap it was itself handed; any
// other array is always serialized inline.
type BackwardReducer struct {
	mu    sync.Mutex
	owned map[string]struct{} // filenames passed to MarkOwned
}

// NewBackward returns an empty BackwardReducer. Filenames become "owned"
// only via MarkOwned; descriptor.Decode does not call it, so the caller
// marks each decoded filename it wants eligible for reuse.
func NewBackward() *BackwardReducer {
	return &BackwardReducer{owned: make(map[string]struct{})}
}

// MarkOwned records filename as backing a memmap this worker decoded from
// the coordinator, making it eligible for reuse in Reduce (spec §4.7: "the
// worker's set of joblib-owned mmaps").
func (r *BackwardReducer) MarkOwned(filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owned[filename] = struct{}{}
}

// Reduce implements spec §4.7: reuse the backing file only if it is in the
// owned set; otherwise always fall back to inline, letting the worker's own
// finalizers decrement refcounts for files it no longer references.
func (r *BackwardReducer) Reduce(a arrayview.Array) (Reduced, error) {
	m := arrayview.BackingMemmap(a)
	if m == nil {
		return Reduced{Inline: a}, nil
	}

	src, ok := m.(arrayview.MemmapSource)
	if !ok || src.MemmapFilename() == "" {
		return Reduced{Inline: a}, nil
	}

	r.mu.Lock()
	_, owned := r.owned[src.MemmapFilename()]
	r.mu.Unlock()
	if !owned {
		return Reduced{Inline: a}, nil
	}

	backingStart, _ := arrayview.ByteBounds(m)
	backing := descriptor.Backing{
		Start:            backingStart,
		Offset:           src.MemmapFileOffset(),
		FContiguousOrder: m.FContiguous() && !m.CContiguous(),
	}

	// The worker only ever re-shares views into a mapping the coordinator
	// already registered; it never registers a second hold (spec §4.7's
	// "never creates new shared backing files" extends to refcounts).
	d, err := descriptor.Encode(a, backing, src.MemmapFilename(), descriptor.ModeRead, false)
	if err != nil {
		return Reduced{}, fmt.Errorf("reducer: backward reduction: %w", err)
	}
	return Reduced{Descriptor: &d}, nil
}
