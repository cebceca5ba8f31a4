// Package tracker implements the process-wide resource tracker client
// (spec §4.2, C2): a single actor that refcounts file/folder resources and
// deletes them once their count reaches zero, retrying on transient
// permission errors.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind distinguishes the two cleanup functions a Key may need (spec §4.2).
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Key identifies a tracked resource.
type Key struct {
	Path string
	Kind Kind
}

// unlinkRetryAttempts and unlinkRetryInterval implement the "up to 10
// tries, 200ms backoff, then re-raise" rule from spec §4.2.
const (
	unlinkRetryAttempts = 10
	unlinkRetryInterval = 200 * time.Millisecond
)

type request struct {
	op    func()
	reply chan struct{}
}

// Tracker is the process-local actor. All mutation of its internal map
// happens on a single owned goroutine reading from reqCh, so double-free
// races between concurrent callers are impossible by construction (spec
// §4.2 "single-threaded internally", §5).
type Tracker struct {
	reqCh  chan request
	counts map[Key]int
	done   chan struct{}
}

// New starts the tracker's owner goroutine.
func New() *Tracker {
	t := &Tracker{
		reqCh:  make(chan request),
		counts: make(map[Key]int),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	for {
		select {
		case req := <-t.reqCh:
			req.op()
			close(req.reply)
		case <-t.done:
			return
		}
	}
}

// Close stops the owner goroutine. Pending cleanups already dispatched
// still run to completion.
func (t *Tracker) Close() {
	close(t.done)
}

func (t *Tracker) do(op func()) {
	reply := make(chan struct{})
	select {
	case t.reqCh <- request{op: op, reply: reply}:
		<-reply
	case <-t.done:
	}
}

// Register increments key's refcount (spec §4.2, idempotent for unknown
// keys in the sense that the count starts at zero).
func (t *Tracker) Register(key Key) {
	t.do(func() {
		t.counts[key]++
	})
}

// Unregister decrements key's refcount. It never removes the resource
// (spec §4.2).
func (t *Tracker) Unregister(key Key) {
	t.do(func() {
		t.decrement(key)
	})
}

// MaybeUnlink decrements key's refcount and, if it reaches zero, attempts
// to delete the resource using the cleanup function for its Kind (spec
// §4.2).
func (t *Tracker) MaybeUnlink(key Key) error {
	var shouldDelete bool
	t.do(func() {
		shouldDelete = t.decrement(key) == 0
	})
	if !shouldDelete {
		return nil
	}
	return cleanup(key)
}

// decrement must only be called from the owner goroutine. Returns the
// count after decrementing (0 if the key was unknown or already at 0).
func (t *Tracker) decrement(key Key) int {
	n, ok := t.counts[key]
	if !ok || n <= 0 {
		delete(t.counts, key)
		return 0
	}
	n--
	if n <= 0 {
		delete(t.counts, key)
		return 0
	}
	t.counts[key] = n
	return n
}

// Count returns the current refcount for key (0 if untracked). Intended
// for tests and diagnostics.
func (t *Tracker) Count(key Key) int {
	var n int
	t.do(func() {
		n = t.counts[key]
	})
	return n
}

func cleanup(key Key) error {
	switch key.Kind {
	case KindFile:
		return unlinkFileWithRetry(key.Path)
	case KindFolder:
		return unlinkFolder(key.Path)
	default:
		return fmt.Errorf("tracker: unknown resource kind %q", key.Kind)
	}
}

// unlinkFileWithRetry implements the file cleanup function from spec
// §4.2: unlink, trying up to unlinkRetryAttempts times in all on permission
// errors with a fixed unlinkRetryInterval backoff, then re-raising. This
// absorbs the race on some platforms where the tracker observes refcount 0
// before the last mapping in a worker is actually torn down.
func unlinkFileWithRetry(path string) error {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(unlinkRetryInterval), uint64(unlinkRetryAttempts-1))

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		rmErr := os.Remove(path)
		if rmErr == nil || errors.Is(rmErr, os.ErrNotExist) {
			return nil
		}
		if isPermissionErr(rmErr) {
			slog.Debug("tracker: retrying unlink after permission error", "path", path, "attempt", attempt)
			return rmErr
		}
		return backoff.Permanent(rmErr)
	}, bo)

	if err != nil {
		return fmt.Errorf("tracker: unlinking %q: %w", path, err)
	}
	return nil
}

// unlinkFolder recursively deletes path, tolerating it already being gone
// or non-empty at program exit (spec §4.2).
func unlinkFolder(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tracker: removing folder %q: %w", path, err)
	}
	return nil
}

func isPermissionErr(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, os.ErrPermission)
}
