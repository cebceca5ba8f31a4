// Package tempdir resolves the root directory under which a context's
// backing files are written (spec §4.1, C1 TempDirResolver).
package tempdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// minSharedMemFreeBytes is the free-space floor a shared-memory mount must
// report to be used as a candidate root (spec §4.1, §8).
const minSharedMemFreeBytes = 2 << 30 // 2 GiB

// sharedMemCandidates are platform shared-memory mounts, checked in order.
var sharedMemCandidates = []string{"/dev/shm"}

// Resolve computes the absolute path of folderName under the resolved temp
// root, without creating it. Resolution order (spec §4.1):
//  1. rootHint, if non-empty
//  2. $JOBLIB_TEMP_FOLDER
//  3. a shared-memory mount, iff present, writable, and reporting enough
//     free space
//  4. the platform temp dir ($TMPDIR/$TMP/$TEMP or os.TempDir())
//
// Resolve never errors for "shared memory unavailable" — it only errors if
// every candidate is unusable.
func Resolve(folderName, rootHint string) (path string, usedSharedMem bool, err error) {
	if rootHint != "" {
		return join(rootHint, folderName), false, nil
	}

	if env := os.Getenv("JOBLIB_TEMP_FOLDER"); env != "" {
		return join(env, folderName), false, nil
	}

	if root, ok := sharedMemRoot(); ok {
		return join(root, folderName), true, nil
	}

	root, err := platformTemp()
	if err != nil {
		return "", false, fmt.Errorf("resolving temp root: %w", err)
	}
	return join(root, folderName), false, nil
}

func join(root, folderName string) string {
	root = expand(root)
	if !filepath.IsAbs(root) {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return filepath.Join(root, folderName)
}

// sharedMemRoot probes the platform shared-memory mounts. A permission
// failure demotes silently to platform temp (spec §4.1).
func sharedMemRoot() (string, bool) {
	if runtime.GOOS != "linux" {
		return "", false
	}
	for _, candidate := range sharedMemCandidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		if !writable(candidate) {
			continue
		}
		free, err := freeBytes(candidate)
		if err != nil || free < minSharedMemFreeBytes {
			continue
		}
		return candidate, true
	}
	return "", false
}

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".shmarray-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func platformTemp() (string, error) {
	for _, env := range []string{"TMPDIR", "TMP", "TEMP"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	dir := os.TempDir()
	if dir == "" {
		return "", errors.New("no usable temp directory candidate")
	}
	return dir, nil
}

func expand(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
