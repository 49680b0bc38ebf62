// Package scheduler queues tile requests in three strict-priority FIFO tiers.
//
// The scheduler does not dispatch anything itself: the load controller
// consults ConcurrencyLimit before calling DequeueNext. Every method is
// synchronous and guarded by one mutex.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

const DefaultConcurrencyLimit = 4

var ErrInvalidRequest = errors.New("scheduler: invalid request")

// Request is owned by the scheduler from Enqueue until it is dequeued,
// dropped or removed. Handle is opaque completion state of the caller.
type Request[H any] struct {
	Addr      model.TileAddress
	Location  model.LatLng
	Priority  model.Priority
	CreatedAt time.Time
	Handle    H
}

type Scheduler[H any] struct {
	limit int

	mu    sync.Mutex
	tiers [model.NumPriorities][]*Request[H]
}

func New[H any](concurrencyLimit int) *Scheduler[H] {
	if concurrencyLimit <= 0 {
		concurrencyLimit = DefaultConcurrencyLimit
	}
	return &Scheduler[H]{limit: concurrencyLimit}
}

// ConcurrencyLimit is the maximum number of simultaneously dispatched requests.
func (s *Scheduler[H]) ConcurrencyLimit() int { return s.limit }

// Enqueue appends r to the tail of its priority tier.
func (s *Scheduler[H]) Enqueue(r *Request[H]) error {
	if r == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRequest)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: priority %s", ErrInvalidRequest, r.Priority)
	}
	s.mu.Lock()
	s.tiers[r.Priority] = append(s.tiers[r.Priority], r)
	s.mu.Unlock()
	return nil
}

// DequeueNext pops the head of the first non-empty tier, high to low.
func (s *Scheduler[H]) DequeueNext() (*Request[H], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.tiers {
		q := s.tiers[p]
		if len(q) == 0 {
			continue
		}
		r := q[0]
		q[0] = nil
		if len(q) == 1 {
			s.tiers[p] = nil
		} else {
			s.tiers[p] = q[1:]
		}
		return r, true
	}
	return nil, false
}

// DropIf removes every queued request matching pred, preserving the order
// of the rest, and returns the dropped requests.
func (s *Scheduler[H]) DropIf(pred func(*Request[H]) bool) []*Request[H] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []*Request[H]
	for p := range s.tiers {
		q := s.tiers[p]
		kept := q[:0]
		for _, r := range q {
			if pred(r) {
				dropped = append(dropped, r)
				continue
			}
			kept = append(kept, r)
		}
		clear(q[len(kept):])
		if len(kept) == 0 {
			kept = nil
		}
		s.tiers[p] = kept
	}
	return dropped
}

// Remove drops the first queued request for addr.
func (s *Scheduler[H]) Remove(addr model.TileAddress) (*Request[H], bool) {
	var found bool
	dropped := s.DropIf(func(r *Request[H]) bool {
		if found || r.Addr != addr {
			return false
		}
		found = true
		return true
	})
	if len(dropped) == 0 {
		return nil, false
	}
	return dropped[0], true
}

func (s *Scheduler[H]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.tiers {
		n += len(q)
	}
	return n
}

func (s *Scheduler[H]) LenByPriority() [model.NumPriorities]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [model.NumPriorities]int
	for p, q := range s.tiers {
		out[p] = len(q)
	}
	return out
}
