// Package expdecay implements an exponential decay model for tile hotness.
//
// Keys are Redis tile keys as rendered by keys.Key
// ("tile:{layer}:{lod}:{x}_{y}:src={hash}"). The Redis tier bumps a key on
// every fetch and admits a tile into Redis once its score reaches the
// configured admission threshold.
package expdecay

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/hotness"
)

const (
	numShards = 64
	// a shard above this many keys drops the ones that decayed to noise
	pruneAbove = 4096
	pruneScore = 0.01
)

// Tracker holds one decaying score per tile key. Each Inc adds 1 after
// decaying the previous score by its age over HalfLife.
type Tracker struct {
	HalfLife time.Duration

	now func() time.Time

	shards [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*counter
}

type counter struct {
	score float64
	last  time.Time
}

var _ hotness.Interface = (*Tracker)(nil)

func New(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{HalfLife: halfLife, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

func (t *Tracker) Inc(key string) {
	if key == "" {
		return
	}
	s := t.pick(key)
	n := t.now()
	hl := t.HalfLife.Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[key]
	if c == nil {
		if len(s.m) >= pruneAbove {
			s.pruneLocked(n, hl)
		}
		s.m[key] = &counter{score: 1, last: n}
		return
	}
	// decay the existing score before incrementing
	c.score = decay(c.score, n.Sub(c.last).Seconds(), hl) + 1.0
	c.last = n
}

func (s *shard) pruneLocked(now time.Time, hl float64) {
	for k, c := range s.m {
		if decay(c.score, now.Sub(c.last).Seconds(), hl) < pruneScore {
			delete(s.m, k)
		}
	}
}

func (t *Tracker) Score(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	c := s.m[key]
	if c == nil {
		s.mu.RUnlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.RUnlock()

	return decay(score, n.Sub(last).Seconds(), t.HalfLife.Seconds())
}

func (t *Tracker) Reset(keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		s := t.pick(key)
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
	}
}

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	lambda := math.Ln2 / halfLife
	// e^(-λt)
	return score * math.Exp(-lambda*dt)
}

func (t *Tracker) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	idx := h & (uint64(len(t.shards)) - 1)
	return &t.shards[idx]
}

func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}
