//go:build unix

package lock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Acquire attempts to take an exclusive, non-blocking advisory lock on the
// store whose files share the base path.
//
// On Unix systems, this uses flock(2) on a file named "<base>.lock". If the
// lock cannot be acquired, the store is assumed to be open in another
// process.
//
// The returned file handle must remain open for the duration of the lock.
func Acquire(base string) (*os.File, error) {
	f, err := os.OpenFile(base+Suffix, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open lock file: %w", err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, base)
	}

	return f, nil
}

// Release releases a lock acquired via Acquire.
//
// On Unix systems, this releases the advisory flock and closes the file. The
// file itself is left in place so a concurrent Acquire never locks an
// unlinked inode.
func Release(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
