// Package backingstore creates, opens, memory-maps, and dedupes the files
// that back array payloads crossing the process boundary (spec §4.4, C4).
package backingstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/descriptor"
	"github.com/kclejeune/shmarray/internal/options"
	"github.com/kclejeune/shmarray/internal/tracker"
	"github.com/kclejeune/shmarray/internal/weakmap"
)

// Permissions mandated by spec §3/§6.
const (
	filePerm   = 0o600
	folderPerm = 0o700
)

// Store creates (or reuses) the backing file for an array and returns the
// Descriptor that lets a remote process reconstitute it (spec §4.4).
type Store struct {
	folder     string
	usedShmem  bool
	mode       options.MmapMode
	prewarm    bool // resolved once at construction, never reassigned (spec §9)
	unlinkOnGC bool
	tr         *tracker.Tracker
	dedup      *weakmap.Map[arrayview.Ndarray, string] // array -> basename
}

// New creates a Store rooted at folder. usedSharedMem indicates whether
// folder lives on a shared-memory filesystem, which determines the
// resolved prewarm policy (spec §4.4 Prewarm semantics).
func New(folder string, usedSharedMem bool, opts *options.Options, tr *tracker.Tracker) *Store {
	prewarm := resolvePrewarm(opts.Prewarm, usedSharedMem)
	return &Store{
		folder:     folder,
		usedShmem:  usedSharedMem,
		mode:       opts.MmapMode,
		prewarm:    prewarm,
		unlinkOnGC: opts.UnlinkOnGCCollect,
		tr:         tr,
		dedup:      weakmap.New[arrayview.Ndarray, string](),
	}
}

// resolvePrewarm computes the effective prewarm policy exactly once (spec
// §4.4, §9 Open Question: the conditional assignment is the only one that
// happens — there is deliberately no later unconditional overwrite).
func resolvePrewarm(setting options.Prewarm, usedSharedMem bool) bool {
	switch setting {
	case options.PrewarmTrue:
		return true
	case options.PrewarmFalse:
		return false
	default: // "auto"
		return !usedSharedMem
	}
}

// Put ensures a's contents are backed by a file and returns the Descriptor
// describing it. a must satisfy the dedup contract: the same *Ndarray
// object submitted twice yields the same basename (spec §4.4 Dedup
// invariant).
func (s *Store) Put(a *arrayview.Ndarray) (descriptor.Descriptor, error) {
	if err := s.ensureFolder(); err != nil {
		return descriptor.Descriptor{}, err
	}

	basename, reused := s.dedup.Get(a)
	if !reused {
		basename = freshBasename()
		s.dedup.Set(a, basename)
	}

	path := filepath.Join(s.folder, basename)

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.writeAtomic(path, flatten(a)); err != nil {
			return descriptor.Descriptor{}, err
		}
		created = true
	} else if err != nil {
		return descriptor.Descriptor{}, fmt.Errorf("backingstore: stat %q: %w", path, err)
	}

	if s.prewarm {
		if err := prewarmFile(path); err != nil {
			slog.Warn("backingstore: prewarm failed", "path", path, "error", err)
		}
	}

	// The base hold is registered once, at creation, so a single end-of-batch
	// maybe_unlink erases it (spec §4.4 step 4). When unlink_on_gc is set,
	// every send, the first included, adds one more hold, representing the
	// remote view's own finalizer decrement.
	if created {
		s.tr.Register(tracker.Key{Path: path, Kind: tracker.KindFile})
	}
	if s.unlinkOnGC {
		s.tr.Register(tracker.Key{Path: path, Kind: tracker.KindFile})
	}

	// The file holds a freshly flattened, C-contiguous copy of a's logical
	// contents (joblib's dump/load round trip has the same effect: a fresh
	// write never preserves the original strides, only the shape). Encode
	// against that canonical layout, not against a's own (possibly
	// non-contiguous) strides.
	backing := descriptor.Backing{Start: 0, Offset: 0, FContiguousOrder: false}
	canonical := &arrayview.Ndarray{
		Dtype:    a.Dtype,
		Shape_:   append([]int64(nil), a.Shape_...),
		Strides_: contiguousStrides(a.Shape_, int64(a.Dtype.ItemSize), false),
	}

	mode := toDescriptorMode(s.mode)
	d, err := descriptor.Encode(canonical, backing, path, mode, s.unlinkOnGC)
	if err != nil {
		return descriptor.Descriptor{}, err
	}
	return d, nil
}

// flatten materializes a's logical contents into a fresh C-contiguous byte
// buffer, gathering elements through a's own Offset/Strides and its base
// chain. Root, already-C-contiguous arrays take the zero-copy fast path.
func flatten(a *arrayview.Ndarray) []byte {
	if a.Base() == nil && a.CContiguous() {
		return a.Data
	}

	root, ok := arrayview.RootBase(a).(*arrayview.Ndarray)
	if !ok {
		return nil
	}

	itemsize := int64(a.Dtype.ItemSize)
	shape := a.Shape_
	strides := a.Strides_
	out := make([]byte, a.NBytes())

	idx := make([]int64, len(shape))
	pos := int64(0)
	var walk func(dim int)
	walk = func(dim int) {
		if dim == len(shape) {
			off := a.Offset_
			for i, v := range idx {
				off += v * strides[i]
			}
			copy(out[pos:pos+itemsize], root.Data[off:off+itemsize])
			pos += itemsize
			return
		}
		for i := int64(0); i < shape[dim]; i++ {
			idx[dim] = i
			walk(dim + 1)
		}
	}
	walk(0)
	return out
}

// contiguousStrides mirrors descriptor's unexported helper of the same
// name; duplicated here since that one isn't part of the package's public
// surface.
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

// ensureFolder creates the context folder with owner-only permissions,
// tolerating a race where another process created it first (spec §4.4
// step 1).
func (s *Store) ensureFolder() error {
	if err := os.MkdirAll(s.folder, folderPerm); err != nil {
		return fmt.Errorf("backingstore: creating folder %q: %w", s.folder, err)
	}
	return nil
}

// writeAtomic serializes data under a temp name in the same directory,
// chmods it owner-only, then renames it into place, so readers never
// observe a partially written file (spec §4.4 step 3, §5 "observable
// atomic").
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".shmarray-*")
	if err != nil {
		return fmt.Errorf("backingstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("backingstore: writing payload: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		return fmt.Errorf("backingstore: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backingstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("backingstore: renaming into place: %w", err)
	}

	success = true
	return nil
}

// prewarmFile forces a full read of the file's mapped contents before any
// worker opens it (spec: Prewarm glossary entry).
func prewarmFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap for prewarm: %w", err)
	}
	defer unix.Munmap(data)

	_ = unix.Madvise(data, unix.MADV_WILLNEED)

	var sink byte
	for i := 0; i < len(data); i += os.Getpagesize() {
		sink ^= data[i]
	}
	runtime.KeepAlive(sink)
	return nil
}

// freshBasename generates "{pid}-{tid}-{uuid}.pkl" (spec §4.4 step 2,
// §6 filesystem layout).
func freshBasename() string {
	return fmt.Sprintf("%d-%d-%s.pkl", os.Getpid(), threadID(), uuid.NewString())
}
