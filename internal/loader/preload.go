package loader

import (
	"context"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
)

// PreloadAround enqueues the ring of tiles around center one LOD coarser
// than the LOD chosen for detail. Tiles at Chebyshev distance 1 go in at
// medium priority, farther ones at low; the center tile itself is left to
// regular requests. Tiles already cached, loading or preloaded recently
// are skipped. It returns the number of loads enqueued.
func (c *Controller[P]) PreloadAround(center model.LatLng, detail float64) (int, error) {
	lod := max(c.mapper.LODForDetail(detail)-1, c.mapper.MinLOD())
	ca, err := c.mapper.LocationToAddress(center, lod)
	if err != nil {
		return 0, err
	}
	ring := slippy.Neighbors(ca, c.cfg.PreloadRadius)

	c.mu.Lock()
	defer c.unlockAndEmit()

	if c.closed {
		return 0, ErrClosed
	}

	n := 0
	for _, nb := range ring {
		if nb.Dist == 0 {
			continue
		}
		prio := model.PriorityLow
		if nb.Dist <= 1 {
			prio = model.PriorityMedium
		}
		if p, ok := c.loads[nb.Addr]; ok {
			c.promoteLocked(p, prio)
			continue
		}
		if c.recent.Contains(nb.Addr) {
			continue
		}
		if _, ok := c.cache.Get(nb.Addr); ok {
			c.recent.Add(nb.Addr, struct{}{})
			continue
		}
		loc, err := slippy.Center(nb.Addr)
		if err != nil {
			continue
		}
		p := &pending[P]{
			addr:        nb.Addr,
			loc:         loc,
			prio:        prio,
			createdAt:   c.now(),
			timeout:     c.cfg.LoadTimeout,
			ctx:         context.Background(),
			speculative: true,
		}
		if err := c.startLocked(p); err != nil {
			continue
		}
		c.recent.Add(nb.Addr, struct{}{})
		n++
	}
	c.pumpLocked()

	if n > 0 {
		c.log.Debug().Str("center", ca.Key()).Int("lod", lod).Int("enqueued", n).Msg("preload ring")
	}
	return n, nil
}
