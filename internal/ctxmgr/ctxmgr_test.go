package ctxmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/options"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	opts := options.Default()
	root := t.TempDir()
	opts.TempFolderRoot = root
	mgr := New("test-manager", opts)
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func TestRegisterIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)

	if err := mgr.Register("ctx-a"); err != nil {
		t.Fatal(err)
	}
	first, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Register("ctx-a"); err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Errorf("re-registering ctx-a changed its folder: %q vs %q", first, second)
	}
}

func TestResolveFolderNotCreatedUntilFirstWrite(t *testing.T) {
	mgr := newTestManager(t)

	path, err := mgr.Resolve("ctx-lazy")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("folder %q should not exist before any write (spec §4.1/§4.8)", path)
	}
}

func TestResolveDistinctContextsGetDistinctFolders(t *testing.T) {
	mgr := newTestManager(t)

	a, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := mgr.Resolve("ctx-b")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("distinct context ids resolved to the same folder %q", a)
	}
}

func TestTwoManagersSameContextIDDoNotShareFolders(t *testing.T) {
	root := t.TempDir()
	opts1 := options.Default()
	opts1.TempFolderRoot = root
	opts2 := options.Default()
	opts2.TempFolderRoot = root

	m1 := New("manager-one", opts1)
	defer m1.Shutdown()
	m2 := New("manager-two", opts2)
	defer m2.Shutdown()

	p1, err := m1.Resolve("shared-ctx-id")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := m2.Resolve("shared-ctx-id")
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Error("two managers bound to the same context id must never share a folder (spec §4.8)")
	}
}

func TestReducersWiresForwardAndBackward(t *testing.T) {
	mgr := newTestManager(t)

	fwd, bwd, err := mgr.Reducers("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	if fwd == nil || bwd == nil {
		t.Fatal("Reducers returned a nil reducer")
	}

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{4}, false)
	red, err := fwd.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if red.Descriptor == nil && red.Inline == nil {
		t.Fatal("Reduce produced neither a descriptor nor an inline fallback")
	}
}

func TestReducersSameContextReusesStore(t *testing.T) {
	mgr := newTestManager(t)

	maxNBytes := int64(0)
	mgr.opts.MaxNBytes = &maxNBytes

	fwd1, _, err := mgr.Reducers("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	fwd2, _, err := mgr.Reducers("ctx-a")
	if err != nil {
		t.Fatal(err)
	}

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{8}, false)
	r1, err := fwd1.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := fwd2.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Descriptor == nil || r2.Descriptor == nil {
		t.Fatal("expected descriptor-backed reductions")
	}
	if r1.Descriptor.Filename != r2.Descriptor.Filename {
		t.Error("separate Reducers() calls for the same context should share one BackingStore's dedup table")
	}
}

func TestUnlinkTemporaryResourcesRemovesFilesAndFolder(t *testing.T) {
	mgr := newTestManager(t)
	maxNBytes := int64(0)
	mgr.opts.MaxNBytes = &maxNBytes
	// No worker finalizer runs here to release a per-send hold.
	mgr.opts.UnlinkOnGCCollect = false

	fwd, _, err := mgr.Reducers("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{8}, false)
	red, err := fwd.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(red.Descriptor.Filename); err != nil {
		t.Fatalf("expected backing file to exist: %v", err)
	}

	if err := mgr.UnlinkTemporaryResources("ctx-a"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(red.Descriptor.Filename); !os.IsNotExist(err) {
		t.Error("backing file should be gone after UnlinkTemporaryResources")
	}
	folder, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(folder); !os.IsNotExist(err) {
		t.Error("empty context folder should be removed after UnlinkTemporaryResources")
	}
}

func TestUnlinkTemporaryResourcesPrunesNestedEmptyDirs(t *testing.T) {
	mgr := newTestManager(t)
	maxNBytes := int64(0)
	mgr.opts.MaxNBytes = &maxNBytes
	mgr.opts.UnlinkOnGCCollect = false

	fwd, _, err := mgr.Reducers("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{8}, false)
	if _, err := fwd.Reduce(a); err != nil {
		t.Fatal(err)
	}

	folder, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(folder, "leftover", "empty")
	if err := os.MkdirAll(stray, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := mgr.UnlinkTemporaryResources("ctx-a"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(folder); !os.IsNotExist(err) {
		t.Error("context folder should be removed once its files and empty leftover subdirectories are both gone")
	}
}

func TestUnlinkTemporaryResourcesEmptyContextIDAppliesToAll(t *testing.T) {
	mgr := newTestManager(t)
	maxNBytes := int64(0)
	mgr.opts.MaxNBytes = &maxNBytes
	mgr.opts.UnlinkOnGCCollect = false

	var files []string
	for _, ctxID := range []string{"ctx-a", "ctx-b"} {
		fwd, _, err := mgr.Reducers(ctxID)
		if err != nil {
			t.Fatal(err)
		}
		a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{8}, false)
		red, err := fwd.Reduce(a)
		if err != nil {
			t.Fatal(err)
		}
		files = append(files, red.Descriptor.Filename)
	}

	if err := mgr.UnlinkTemporaryResources(""); err != nil {
		t.Fatal(err)
	}

	for _, f := range files {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("file %q should be gone after a blanket UnlinkTemporaryResources", f)
		}
	}
}

func TestUnregisterTemporaryResourcesDoesNotDelete(t *testing.T) {
	mgr := newTestManager(t)
	maxNBytes := int64(0)
	mgr.opts.MaxNBytes = &maxNBytes
	mgr.opts.UnlinkOnGCCollect = false

	fwd, _, err := mgr.Reducers("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{8}, false)
	red, err := fwd.Reduce(a)
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.UnregisterTemporaryResources("ctx-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(red.Descriptor.Filename); err != nil {
		t.Errorf("UnregisterTemporaryResources must never delete, got stat error: %v", err)
	}
}

func TestDeleteNonEmptyRequiresAllowFlag(t *testing.T) {
	mgr := newTestManager(t)
	maxNBytes := int64(0)
	mgr.opts.MaxNBytes = &maxNBytes

	fwd, _, err := mgr.Reducers("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{8}, false)
	if _, err := fwd.Reduce(a); err != nil {
		t.Fatal(err)
	}
	folder, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Delete("ctx-a", false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(folder); err != nil {
		t.Error("non-empty folder should survive Delete(allowNonEmpty=false)")
	}

	if err := mgr.Register("ctx-a"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete("ctx-a", true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(folder); !os.IsNotExist(err) {
		t.Error("Delete(allowNonEmpty=true) should force-remove a non-empty folder")
	}
}

func TestDeleteForgetsContext(t *testing.T) {
	mgr := newTestManager(t)

	first, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete("ctx-a", true); err != nil {
		t.Fatal(err)
	}

	second, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("re-resolving a deleted context should recompute the same deterministic folder name")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	opts := options.Default()
	opts.TempFolderRoot = t.TempDir()
	mgr := New("test-manager", opts)

	mgr.Shutdown()
	mgr.Shutdown() // must not panic or double-close the tracker
}

func TestFolderNameIncludesManagerID(t *testing.T) {
	name := folderName(123, "mgr-a", "ctx-a")
	want := "shmarray_memmapping_folder_123_mgr-a_ctx-a"
	if name != want {
		t.Errorf("folderName = %q, want %q", name, want)
	}
}

func TestResolveUnderSharedTempRoot(t *testing.T) {
	mgr := newTestManager(t)
	path, err := mgr.Resolve("ctx-a")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != mgr.opts.TempFolderRoot {
		t.Errorf("folder %q should live directly under the configured temp root %q", path, mgr.opts.TempFolderRoot)
	}
}
