package core

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// pendingWrite is the handle of one in-flight asynchronous write.
type pendingWrite struct {
	done chan struct{}
	err  error
}

func (p *pendingWrite) finish(err error) {
	p.err = err
	close(p.done)
}

func (p *pendingWrite) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return errors.Wrap(ErrInterrupted, ctx.Err().Error())
	}
}

// pendingWrites holds at most one in-flight write per record id.
type pendingWrites struct {
	mu   sync.Mutex
	byID map[int]*pendingWrite
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{byID: make(map[int]*pendingWrite)}
}

// install registers a new in-flight write for id, first waiting out the one
// already registered. A failure of that earlier write is returned and
// nothing is installed.
func (w *pendingWrites) install(ctx context.Context, id int) (*pendingWrite, error) {
	for {
		w.mu.Lock()
		prev, ok := w.byID[id]
		if !ok {
			p := &pendingWrite{done: make(chan struct{})}
			w.byID[id] = p
			w.mu.Unlock()
			return p, nil
		}
		w.mu.Unlock()

		if err := prev.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// complete unregisters p and wakes its waiters. Waiters arriving after the
// removal find no handle and go straight to the tables, which already hold
// the written bytes.
func (w *pendingWrites) complete(id int, p *pendingWrite, err error) {
	w.mu.Lock()
	if w.byID[id] == p {
		delete(w.byID, id)
	}
	w.mu.Unlock()

	p.finish(err)
}

// waitFor blocks until the write in flight for id, if any, is done.
func (w *pendingWrites) waitFor(ctx context.Context, id int) error {
	w.mu.Lock()
	p := w.byID[id]
	w.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.wait(ctx)
}

// drain waits until no write is in flight, returning the first failure seen.
func (w *pendingWrites) drain(ctx context.Context) error {
	var first error
	for {
		w.mu.Lock()
		inflight := make([]*pendingWrite, 0, len(w.byID))
		for _, p := range w.byID {
			inflight = append(inflight, p)
		}
		w.mu.Unlock()

		if len(inflight) == 0 {
			return first
		}

		for _, p := range inflight {
			if err := p.wait(ctx); err != nil {
				if errors.Is(err, ErrInterrupted) {
					return err
				}
				if first == nil {
					first = err
				}
			}
		}
	}
}

func (w *pendingWrites) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.byID)
}
