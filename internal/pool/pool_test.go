package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Run("runs every submitted task", func(t *testing.T) {
		p := New(2)

		var done atomic.Int32
		for i := 0; i < 50; i++ {
			p.Submit(func() { done.Add(1) })
		}
		p.Wait()

		require.Equal(t, int32(50), done.Load())
	})

	t.Run("never exceeds its size", func(t *testing.T) {
		p := New(3)

		var mu sync.Mutex
		running, peak := 0, 0
		for i := 0; i < 20; i++ {
			p.Submit(func() {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
			})
		}
		p.Wait()

		require.LessOrEqual(t, peak, 3)
		require.Equal(t, 3, p.Size())
	})

	t.Run("non-positive size defaults to GOMAXPROCS", func(t *testing.T) {
		require.Positive(t, New(0).Size())
	})
}
