// Package metricswrap wraps a hotness tracker with Prometheus metrics and
// sampled logging of tiles that cross a score threshold.
package metricswrap

import (
	"fmt"

	xx "github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/hotness"
)

type Sizer interface{ Size() int }

type Options struct {
	// LogThreshold enables a log line when a score reaches it; 0 disables.
	LogThreshold float64
	// LogSample is the fraction of hot keys that are logged.
	LogSample float64
	Logger    *zerolog.Logger
}

type WithMetrics struct {
	inner hotness.Interface
	opts  Options
}

var _ hotness.Interface = (*WithMetrics)(nil)

func New(inner hotness.Interface, opts Options) *WithMetrics {
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &WithMetrics{inner: inner, opts: opts}
}

func (w *WithMetrics) Inc(key string) {
	w.inner.Inc(key)
	if w.opts.LogThreshold > 0 {
		score := w.inner.Score(key)
		if score >= w.opts.LogThreshold && shouldLog(w.opts.LogSample, key) {
			w.opts.Logger.Info().
				Str("event", "hotness_threshold").
				Float64("score", score).
				Str("tile", key).
				Str("key_hash", fmt.Sprintf("%08x", xx.Sum64String(key))).
				Msg("hot tile above threshold")
		}
	}
	w.observeSize()
}

func (w *WithMetrics) Score(key string) float64 {
	return w.inner.Score(key)
}

func (w *WithMetrics) Reset(keys ...string) {
	w.inner.Reset(keys...)
	w.observeSize()
}

func (w *WithMetrics) observeSize() {
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotKeys(s.Size())
	}
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000 // 0.01 => 100/10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	h := xx.Sum64String(key)
	return (h % denom) < threshold
}
