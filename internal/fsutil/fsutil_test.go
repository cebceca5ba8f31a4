package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCleanEmptyDirsRemovesNestedEmptyDirs(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	CleanEmptyDirs(root)

	if _, err := os.Stat(filepath.Join(root, "a")); !os.IsNotExist(err) {
		t.Errorf("expected %q to be removed, stat err = %v", "a", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root itself should survive: %v", err)
	}
}

func TestCleanEmptyDirsLeavesNonEmptyDirsAlone(t *testing.T) {
	root := t.TempDir()
	withFile := filepath.Join(root, "has-file")
	if err := os.MkdirAll(withFile, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(withFile, "keep.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	CleanEmptyDirs(root)

	if _, err := os.Stat(withFile); err != nil {
		t.Errorf("non-empty directory should survive: %v", err)
	}
}

func TestCleanEmptyDirsBottomUp(t *testing.T) {
	root := t.TempDir()
	// parent/child, with a file only in parent: child should go, parent
	// (non-empty again once child is gone? no — parent still has the file)
	// should stay.
	parent := filepath.Join(root, "parent")
	child := filepath.Join(parent, "child")
	if err := os.MkdirAll(child, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	CleanEmptyDirs(root)

	if _, err := os.Stat(child); !os.IsNotExist(err) {
		t.Errorf("empty child should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(parent); err != nil {
		t.Errorf("parent with a file in it should survive: %v", err)
	}
}

func TestCleanEmptyDirsOnEmptyRoot(t *testing.T) {
	root := t.TempDir()
	CleanEmptyDirs(root) // must not panic or remove root itself
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root should survive even with nothing under it: %v", err)
	}
}
