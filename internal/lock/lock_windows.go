//go:build windows

package lock

import (
	"fmt"
	"os"
)

// Acquire attempts to take an exclusive lock on the store whose files share
// the base path.
//
// On Windows, this is implemented by atomically creating a file named
// "<base>.lock". If the file already exists, the store is assumed to be open
// in another process.
//
// The returned file handle must be kept open for the duration of the lock.
func Acquire(base string) (*os.File, error) {
	f, err := os.OpenFile(base+Suffix, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLocked, base)
	}

	return f, nil
}

// Release releases a lock acquired via Acquire.
//
// On Windows, this removes the lock file from disk. Release should be called
// exactly once for each successful Acquire call.
func Release(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}
