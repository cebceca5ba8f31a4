// Package reducer implements the coordinator->worker and worker->coordinator
// reduction rules (spec §4.6/§4.7, C6/C7): the decision between memmap
// reuse, descriptor-backed storage, and inline serialization.
package reducer

import (
	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/descriptor"
)

// Reducer is satisfied by both ForwardReducer and BackwardReducer.
type Reducer interface {
	Reduce(a arrayview.Array) (Reduced, error)
}

// Reduced is the outcome of a reduction: exactly one of Descriptor or
// Inline is set.
type Reduced struct {
	Descriptor *descriptor.Descriptor // non-nil for memmap / descriptor-reuse
	Inline     any                    // non-nil for the inline fallback
}
