//go:build !linux

package backingstore

// threadID has no portable equivalent outside Linux; the uuid component of
// the basename already guarantees uniqueness (spec §4.4 step 2).
func threadID() int {
	return 0
}
