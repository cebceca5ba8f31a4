// Package ctxmgr implements the ContextManager (spec §4.8, C8): it owns
// multiple named contexts, each bound to a lazily-materialized temp folder,
// and exposes register/resolve/unlink/unregister/delete. Grounded on the
// teacher's internal/context.Manager (mutex-guarded map keyed by id, lazy
// materialization, atexit-style cleanup).
package ctxmgr

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/kclejeune/shmarray/internal/backingstore"
	"github.com/kclejeune/shmarray/internal/fsutil"
	"github.com/kclejeune/shmarray/internal/options"
	"github.com/kclejeune/shmarray/internal/reducer"
	"github.com/kclejeune/shmarray/internal/tempdir"
	"github.com/kclejeune/shmarray/internal/tracker"
)

// state is the per-context bundle the Manager owns.
type state struct {
	folder    string
	usedShmem bool
	store     *backingstore.Store
}

// Manager owns a map context_id -> ContextState and a shared resource
// tracker (spec §3 Context, §4.8).
type Manager struct {
	mu         sync.Mutex
	managerID  string
	opts       *options.Options
	tr         *tracker.Tracker
	contexts   map[string]*state
	atexitDone bool
}

// New creates a Manager disambiguated by managerID (spec §4.8 invariant:
// two managers bound to the same context_id never share files — e.g. a
// coordinator restart after a worker crash).
func New(managerID string, opts *options.Options) *Manager {
	if opts == nil {
		opts = options.Default()
	}
	return &Manager{
		managerID: managerID,
		opts:      opts,
		tr:        tracker.New(),
		contexts:  make(map[string]*state),
	}
}

// Register computes and caches the per-context folder name
// "shmarray_memmapping_folder_{pid}_{manager_id}_{context_id}" under the
// resolved temp root (spec §4.8, §6 filesystem layout). Re-entering an
// already-registered context is a no-op.
func (m *Manager) Register(contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contexts[contextID]; ok {
		return nil
	}

	name := folderName(os.Getpid(), m.managerID, contextID)
	path, usedShmem, err := tempdir.Resolve(name, m.opts.TempFolderRoot)
	if err != nil {
		return fmt.Errorf("ctxmgr: resolving folder for context %q: %w", contextID, err)
	}

	m.contexts[contextID] = &state{folder: path, usedShmem: usedShmem}
	return nil
}

func folderName(pid int, managerID, contextID string) string {
	return fmt.Sprintf("shmarray_memmapping_folder_%d_%s_%s", pid, managerID, contextID)
}

// Resolve returns the folder path for contextID, registering it first if
// necessary. The folder itself is not created until first write (spec
// §4.1, §4.8).
func (m *Manager) Resolve(contextID string) (string, error) {
	if err := m.Register(contextID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[contextID].folder, nil
}

// storeFor returns (creating if needed) the BackingStore for contextID.
func (m *Manager) storeFor(contextID string) (*backingstore.Store, error) {
	if err := m.Register(contextID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.contexts[contextID]
	if st.store == nil {
		st.store = backingstore.New(st.folder, st.usedShmem, m.opts, m.tr)
	}
	return st.store, nil
}

// Reducers returns the forward/backward reducer pair bound to contextID —
// the single entry point the outer scheduler calls (spec §6 Outputs
// exposed).
func (m *Manager) Reducers(contextID string) (*reducer.ForwardReducer, *reducer.BackwardReducer, error) {
	store, err := m.storeFor(contextID)
	if err != nil {
		return nil, nil, err
	}
	fwd := reducer.NewForward(store, m.opts)
	bwd := reducer.NewBackward()
	return fwd, bwd, nil
}

// UnlinkTemporaryResources calls MaybeUnlink for every file in the
// context's folder, then attempts an empty-only delete (spec §4.8).
// contextID == "" applies to every registered context.
func (m *Manager) UnlinkTemporaryResources(contextID string) error {
	return m.forEachContext(contextID, func(id string, st *state) error {
		entries, err := os.ReadDir(st.folder)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("ctxmgr: reading context folder %q: %w", st.folder, err)
		}
		for _, e := range entries {
			key := tracker.Key{Path: st.folder + string(os.PathSeparator) + e.Name(), Kind: tracker.KindFile}
			if err := m.tr.MaybeUnlink(key); err != nil {
				slog.Warn("ctxmgr: maybe_unlink failed", "path", key.Path, "error", err)
			}
		}
		fsutil.CleanEmptyDirs(st.folder)
		_ = os.Remove(st.folder) // only succeeds if empty
		return nil
	})
}

// UnregisterTemporaryResources calls Unregister (no delete) for every file
// in the context's folder (spec §4.8).
func (m *Manager) UnregisterTemporaryResources(contextID string) error {
	return m.forEachContext(contextID, func(id string, st *state) error {
		entries, err := os.ReadDir(st.folder)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("ctxmgr: reading context folder %q: %w", st.folder, err)
		}
		for _, e := range entries {
			key := tracker.Key{Path: st.folder + string(os.PathSeparator) + e.Name(), Kind: tracker.KindFile}
			m.tr.Unregister(key)
		}
		return nil
	})
}

// Delete force-deletes the context folder, swallowing errors — atexit (or
// a later call) will retry (spec §4.8).
func (m *Manager) Delete(contextID string, allowNonEmpty bool) error {
	return m.forEachContext(contextID, func(id string, st *state) error {
		if allowNonEmpty {
			if err := os.RemoveAll(st.folder); err != nil {
				slog.Warn("ctxmgr: delete failed, atexit will retry", "folder", st.folder, "error", err)
			}
		} else {
			fsutil.CleanEmptyDirs(st.folder)
			if err := os.Remove(st.folder); err != nil && !os.IsNotExist(err) {
				slog.Warn("ctxmgr: delete failed (non-empty or missing), atexit will retry", "folder", st.folder, "error", err)
			}
		}
		delete(m.contexts, id)
		return nil
	})
}

func (m *Manager) forEachContext(contextID string, fn func(id string, st *state) error) error {
	m.mu.Lock()
	var targets map[string]*state
	if contextID == "" {
		targets = make(map[string]*state, len(m.contexts))
		for id, st := range m.contexts {
			targets[id] = st
		}
	} else {
		if st, ok := m.contexts[contextID]; ok {
			targets = map[string]*state{contextID: st}
		}
	}
	m.mu.Unlock()

	for id, st := range targets {
		if err := fn(id, st); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown runs UnlinkTemporaryResources for every context and stops the
// resource tracker. Intended to be registered once per process (e.g. via
// a deferred call in main, standing in for Python's atexit).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	already := m.atexitDone
	m.atexitDone = true
	m.mu.Unlock()
	if already {
		return
	}

	if err := m.UnlinkTemporaryResources(""); err != nil {
		slog.Warn("ctxmgr: shutdown cleanup failed", "error", err)
	}
	m.tr.Close()
}
