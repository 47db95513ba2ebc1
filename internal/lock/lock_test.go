package lock_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/0xRadioAc7iv/go-recstore/internal/lock"
	"github.com/0xRadioAc7iv/go-recstore/internal/utils"
)

func TestAcquire(t *testing.T) {
	t.Run("second acquire on the same store fails while the lock is held", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "store")

		f, err := lock.Acquire(base)
		if err != nil {
			t.Fatalf("could not acquire initial lock: %v", err)
		}
		if !utils.PathExists(base + lock.Suffix) {
			t.Fatal("lock file was not created")
		}

		_, err = lock.Acquire(base)
		if err == nil {
			t.Fatal("second acquire was not supposed to succeed")
		}
		if !errors.Is(err, lock.ErrLocked) {
			t.Fatalf("unexpected error: %v", err)
		}

		lock.Release(f)
	})

	t.Run("acquire succeeds after release", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "store")

		f, err := lock.Acquire(base)
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		lock.Release(f)

		f, err = lock.Acquire(base)
		if err != nil {
			t.Fatalf("acquire after release failed: %v", err)
		}
		lock.Release(f)
	})

	t.Run("different stores in one directory lock independently", func(t *testing.T) {
		dir := t.TempDir()

		a, err := lock.Acquire(filepath.Join(dir, "a"))
		if err != nil {
			t.Fatal(err)
		}
		defer lock.Release(a)

		b, err := lock.Acquire(filepath.Join(dir, "b"))
		if err != nil {
			t.Fatal(err)
		}
		defer lock.Release(b)
	})
}
