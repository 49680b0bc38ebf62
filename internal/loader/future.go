package loader

import (
	"context"
	"sync"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

// Future is the caller's handle on one tile request. It settles exactly
// once: fulfilled with a payload, or failed with ErrAborted, ErrClosed or a
// *ProviderError.
type Future[P any] struct {
	addr model.TileAddress
	done chan struct{}
	once sync.Once
	val  P
	err  error
	hit  bool
}

func newFuture[P any](addr model.TileAddress) *Future[P] {
	return &Future[P]{addr: addr, done: make(chan struct{})}
}

func cachedFuture[P any](addr model.TileAddress, v P) *Future[P] {
	f := newFuture[P](addr)
	f.hit = true
	f.settle(v, nil)
	return f
}

func (f *Future[P]) Addr() model.TileAddress { return f.addr }

// Done is closed once the future settles.
func (f *Future[P]) Done() <-chan struct{} { return f.done }

// FromCache reports whether the future was answered by a cache hit.
func (f *Future[P]) FromCache() bool { return f.hit }

// Wait blocks until the future settles or ctx ends. Giving up on ctx does
// not cancel the load.
func (f *Future[P]) Wait(ctx context.Context) (P, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero P
		return zero, ctx.Err()
	}
}

func (f *Future[P]) settle(v P, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}
