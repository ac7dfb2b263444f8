//go:build !unix

package history

import "errors"

var ErrLockTimeout = errors.New("timed out waiting for index lock")

// lockFile is a no-op where flock is unavailable; the in-process mutex still
// serializes writers of a single Store.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
