//go:build linux

package backingstore

import "golang.org/x/sys/unix"

// threadID returns the OS thread id of the calling goroutine's current
// carrier thread, used only to keep basenames readable/diagnosable (spec
// §4.4 step 2); uniqueness is actually guaranteed by the uuid component.
func threadID() int {
	return unix.Gettid()
}
