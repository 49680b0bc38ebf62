package invalidation

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

// Invalidator drops tiles from one cache tier and reports how many it held.
type Invalidator interface {
	InvalidateTiles(ctx context.Context, addrs []model.TileAddress) (int, error)
	InvalidateBounds(ctx context.Context, b model.Bounds) (int, error)
	InvalidateLayer(ctx context.Context) (int, error)
}

// Apply dispatches a validated event to inv.
func Apply(ctx context.Context, inv Invalidator, ev Event) (int, error) {
	switch ev.Op {
	case OpTiles:
		addrs, err := ev.Addresses()
		if err != nil {
			return 0, err
		}
		return inv.InvalidateTiles(ctx, addrs)
	case OpBBox:
		return inv.InvalidateBounds(ctx, ev.BBox.Bounds())
	case OpLayer:
		return inv.InvalidateLayer(ctx)
	default:
		return 0, invalid("op %q", ev.Op)
	}
}

// MemoryCache is the in-process loader cache.
type MemoryCache interface {
	Invalidate(addr model.TileAddress) bool
	InvalidateBounds(b model.Bounds) int
	InvalidateAll() int
}

type memory struct{ c MemoryCache }

func Memory(c MemoryCache) Invalidator { return memory{c: c} }

func (m memory) InvalidateTiles(_ context.Context, addrs []model.TileAddress) (int, error) {
	n := 0
	for _, a := range addrs {
		if m.c.Invalidate(a) {
			n++
		}
	}
	return n, nil
}

func (m memory) InvalidateBounds(_ context.Context, b model.Bounds) (int, error) {
	return m.c.InvalidateBounds(b), nil
}

func (m memory) InvalidateLayer(context.Context) (int, error) {
	return m.c.InvalidateAll(), nil
}

// SharedTier is the Redis tier.
type SharedTier interface {
	InvalidateTiles(ctx context.Context, addrs []model.TileAddress) (int, error)
	InvalidateBounds(ctx context.Context, b model.Bounds, minLOD, maxLOD int) (int, error)
	InvalidateLayer(ctx context.Context) (int, error)
}

type shared struct {
	t              SharedTier
	minLOD, maxLOD int
}

// Shared adapts t; bbox events cover lods in [minLOD, maxLOD].
func Shared(t SharedTier, minLOD, maxLOD int) Invalidator {
	return shared{t: t, minLOD: minLOD, maxLOD: maxLOD}
}

func (s shared) InvalidateTiles(ctx context.Context, addrs []model.TileAddress) (int, error) {
	return s.t.InvalidateTiles(ctx, addrs)
}

func (s shared) InvalidateBounds(ctx context.Context, b model.Bounds) (int, error) {
	return s.t.InvalidateBounds(ctx, b, s.minLOD, s.maxLOD)
}

func (s shared) InvalidateLayer(ctx context.Context) (int, error) {
	return s.t.InvalidateLayer(ctx)
}

// Chain applies every tier in order and stops at the first error. Put
// the shared tier first so a memory reload cannot pick up a stale copy.
type Chain []Invalidator

func (c Chain) InvalidateTiles(ctx context.Context, addrs []model.TileAddress) (int, error) {
	return c.each(func(i Invalidator) (int, error) { return i.InvalidateTiles(ctx, addrs) })
}

func (c Chain) InvalidateBounds(ctx context.Context, b model.Bounds) (int, error) {
	return c.each(func(i Invalidator) (int, error) { return i.InvalidateBounds(ctx, b) })
}

func (c Chain) InvalidateLayer(ctx context.Context) (int, error) {
	return c.each(func(i Invalidator) (int, error) { return i.InvalidateLayer(ctx) })
}

func (c Chain) each(f func(Invalidator) (int, error)) (int, error) {
	total := 0
	for idx, inv := range c {
		n, err := f(inv)
		total += n
		if err != nil {
			return total, fmt.Errorf("tier %d: %w", idx, err)
		}
	}
	return total, nil
}
