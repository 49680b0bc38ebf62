// Package loader drives the tile load lifecycle: cache lookup, priority
// scheduling, bounded dispatch to a data provider, caching of the result
// and cancellation of loads that left the viewport.
//
// A load moves pending (queued) -> dispatched (in flight) -> fulfilled,
// failed or aborted. Concurrent requests for one address share a load.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/cache/tilecache"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/logger"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/metrics"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/scheduler"
)

// Provider fetches the payload of the tile containing loc at lod.
type Provider[P any] interface {
	FetchTile(ctx context.Context, loc model.LatLng, lod int) (P, error)
}

type ProviderFunc[P any] func(ctx context.Context, loc model.LatLng, lod int) (P, error)

func (f ProviderFunc[P]) FetchTile(ctx context.Context, loc model.LatLng, lod int) (P, error) {
	return f(ctx, loc, lod)
}

const (
	DefaultPreloadRadius    = 2
	DefaultPreloadMemory    = 1024
	DefaultPreloadMemoryTTL = 30 * time.Second
)

type Config struct {
	CacheDuration    time.Duration
	MaxCacheSize     int
	PreloadRadius    int
	ConcurrencyLimit int
	// LoadTimeout bounds each dispatched fetch; 0 disables it.
	LoadTimeout time.Duration
	// PreloadMemory is how many recently preloaded addresses are remembered
	// so repeated viewport updates do not re-enqueue the same ring.
	PreloadMemory    int
	PreloadMemoryTTL time.Duration
}

type Options[P any] struct {
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
	Events  EventSink
	Dispose tilecache.DisposeFunc[P]
}

type Stats struct {
	Queued           int                      `json:"queued"`
	QueuedByPriority [model.NumPriorities]int `json:"queued_by_priority"`
	InFlight         int                      `json:"in_flight"`
	Limit            int                      `json:"concurrency_limit"`
	Cache            tilecache.Stats          `json:"cache"`
	Metrics          metrics.Snapshot         `json:"metrics"`
	Closed           bool                     `json:"closed"`
}

// pending is one load shared by every request coalesced onto it.
type pending[P any] struct {
	addr      model.TileAddress
	loc       model.LatLng
	prio      model.Priority
	createdAt time.Time
	timeout   time.Duration
	ctx       context.Context

	waiters     []*Future[P]
	speculative bool

	dispatched bool
	cancel     context.CancelFunc
	// abandoned is set when the load was settled as aborted while its
	// fetch was still running; the fetch result is then discarded.
	abandoned bool
	// held loads wait for an abandoned fetch of the same address to return
	// instead of starting a second one.
	held bool
}

type Controller[P any] struct {
	cfg     Config
	mapper  mapper.Interface
	prov    Provider[P]
	cache   *tilecache.Cache[P]
	sched   *scheduler.Scheduler[*pending[P]]
	metrics *metrics.Collector
	events  EventSink
	log     *zerolog.Logger
	recent  *expirable.LRU[model.TileAddress, struct{}]
	now     func() time.Time

	mu       sync.Mutex
	loads    map[model.TileAddress]*pending[P]
	draining map[model.TileAddress]*pending[P]
	inFlight int
	closed   bool
	outbox   []Event

	wg sync.WaitGroup
}

func New[P any](cfg Config, m mapper.Interface, prov Provider[P], opts Options[P]) *Controller[P] {
	if cfg.PreloadRadius < 0 {
		cfg.PreloadRadius = DefaultPreloadRadius
	}
	if cfg.PreloadMemory <= 0 {
		cfg.PreloadMemory = DefaultPreloadMemory
	}
	if cfg.PreloadMemoryTTL <= 0 {
		cfg.PreloadMemoryTTL = DefaultPreloadMemoryTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	sched := scheduler.New[*pending[P]](cfg.ConcurrencyLimit)
	cfg.ConcurrencyLimit = sched.ConcurrencyLimit()

	return &Controller[P]{
		cfg:    cfg,
		mapper: m,
		prov:   prov,
		cache: tilecache.New(tilecache.Options[P]{
			MaxEntries: cfg.MaxCacheSize,
			TTL:        cfg.CacheDuration,
			Dispose:    opts.Dispose,
			OnEvict:    observability.AddCacheEvictions,
		}),
		sched:    sched,
		metrics:  opts.Metrics,
		events:   opts.Events,
		log:      opts.Logger,
		recent:   expirable.NewLRU[model.TileAddress, struct{}](cfg.PreloadMemory, nil, cfg.PreloadMemoryTTL),
		now:      time.Now,
		loads:    make(map[model.TileAddress]*pending[P]),
		draining: make(map[model.TileAddress]*pending[P]),
	}
}

type requestOptions struct {
	timeout time.Duration
}

type RequestOption func(*requestOptions)

// WithTimeout overrides the configured load timeout for a new load. It has
// no effect when the request joins a load that already exists.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
	}
}

// Request resolves loc to a tile at lod and returns a future for it.
// Coordinate errors are returned directly and leave no trace in the cache,
// the queue or the metrics.
func (c *Controller[P]) Request(ctx context.Context, loc model.LatLng, lod int, prio model.Priority, opts ...RequestOption) (*Future[P], error) {
	addr, err := c.mapper.LocationToAddress(loc, lod)
	if err != nil {
		return nil, err
	}
	return c.request(ctx, addr, loc, prio, opts)
}

// RequestTile is Request for a known address; the provider is given the
// tile center as location.
func (c *Controller[P]) RequestTile(ctx context.Context, addr model.TileAddress, prio model.Priority, opts ...RequestOption) (*Future[P], error) {
	loc, err := slippy.Center(addr)
	if err != nil {
		return nil, err
	}
	return c.request(ctx, addr, loc, prio, opts)
}

func (c *Controller[P]) request(ctx context.Context, addr model.TileAddress, loc model.LatLng, prio model.Priority, opts []RequestOption) (*Future[P], error) {
	if !prio.Valid() {
		return nil, fmt.Errorf("priority %s: %w", prio, scheduler.ErrInvalidRequest)
	}
	ro := requestOptions{timeout: c.cfg.LoadTimeout}
	for _, o := range opts {
		o(&ro)
	}

	c.mu.Lock()
	defer c.unlockAndEmit()

	if c.closed {
		return nil, ErrClosed
	}

	if v, ok := c.cache.Get(addr); ok {
		c.metrics.RecordHit()
		observability.IncLoadOutcome(string(OutcomeHit), prio.String())
		c.outbox = append(c.outbox, Event{Addr: addr, Priority: prio, Outcome: OutcomeHit, Bytes: sizeOf(v), At: c.now()})
		return cachedFuture(addr, v), nil
	}
	c.metrics.RecordMiss()

	f := newFuture[P](addr)
	if p, ok := c.loads[addr]; ok {
		p.waiters = append(p.waiters, f)
		p.speculative = false
		c.promoteLocked(p, prio)
		return f, nil
	}

	p := &pending[P]{
		addr:      addr,
		loc:       loc,
		prio:      prio,
		createdAt: c.now(),
		timeout:   ro.timeout,
		ctx:       logger.WithPriority(logger.WithTile(context.WithoutCancel(ctx), addr.Key()), prio.String()),
		waiters:   []*Future[P]{f},
	}
	if err := c.startLocked(p); err != nil {
		return nil, err
	}
	c.pumpLocked()
	return f, nil
}

// promoteLocked moves a still-queued load to a higher priority tier.
func (c *Controller[P]) promoteLocked(p *pending[P], prio model.Priority) {
	if p.dispatched || prio >= p.prio {
		return
	}
	if p.held {
		p.prio = prio
		return
	}
	if _, ok := c.sched.Remove(p.addr); !ok {
		return
	}
	c.log.Debug().Str("tile", p.addr.Key()).
		Str("from", p.prio.String()).Str("to", prio.String()).Msg("promote queued load")
	p.prio = prio
	_ = c.sched.Enqueue(&scheduler.Request[*pending[P]]{
		Addr: p.addr, Location: p.loc, Priority: p.prio, CreatedAt: p.createdAt, Handle: p,
	})
	c.observeQueueLocked()
}

// startLocked queues p, or holds it while an abandoned fetch for the same
// address is still running.
func (c *Controller[P]) startLocked(p *pending[P]) error {
	if _, ok := c.draining[p.addr]; ok {
		p.held = true
		c.loads[p.addr] = p
		return nil
	}
	return c.enqueueLocked(p)
}

func (c *Controller[P]) enqueueLocked(p *pending[P]) error {
	err := c.sched.Enqueue(&scheduler.Request[*pending[P]]{
		Addr: p.addr, Location: p.loc, Priority: p.prio, CreatedAt: p.createdAt, Handle: p,
	})
	if err != nil {
		return err
	}
	c.loads[p.addr] = p
	c.observeQueueLocked()
	return nil
}

// pumpLocked dispatches queued loads while capacity allows.
func (c *Controller[P]) pumpLocked() {
	for c.inFlight < c.sched.ConcurrencyLimit() {
		r, ok := c.sched.DequeueNext()
		if !ok {
			break
		}
		c.dispatchLocked(r.Handle)
	}
	c.observeQueueLocked()
}

func (c *Controller[P]) dispatchLocked(p *pending[P]) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(p.ctx)
	}
	p.dispatched = true
	p.cancel = cancel

	c.inFlight++
	if c.inFlight > c.sched.ConcurrencyLimit() {
		panic(ErrCapacityViolation)
	}

	logger.FromContext(p.ctx, c.log).Debug().
		Str("priority", p.prio.String()).
		Dur("queued_for", c.now().Sub(p.createdAt)).
		Int("in_flight", c.inFlight).
		Msg("dispatch tile load")

	c.wg.Add(1)
	go c.run(ctx, p)
}

func (c *Controller[P]) run(ctx context.Context, p *pending[P]) {
	defer c.wg.Done()

	start := c.now()
	v, err := c.prov.FetchTile(ctx, p.loc, p.addr.LOD)
	dur := c.now().Sub(start)
	ctxErr := ctx.Err()
	p.cancel()

	c.mu.Lock()
	defer c.unlockAndEmit()

	c.inFlight--
	defer c.pumpLocked()

	if p.abandoned {
		// already settled as aborted; its result only goes to a load held
		// behind it
		if c.draining[p.addr] == p {
			delete(c.draining, p.addr)
		}
		if next, ok := c.loads[p.addr]; ok && next.held {
			c.resumeLocked(next, v, err, dur)
		}
		return
	}
	if c.loads[p.addr] == p {
		delete(c.loads, p.addr)
	}

	ev := Event{Addr: p.addr, Priority: p.prio, Duration: dur, Speculative: p.speculative, At: c.now()}
	lg := logger.FromContext(p.ctx, c.log)

	switch {
	case err == nil:
		c.cache.Put(p.addr, v)
		n := sizeOf(v)
		c.metrics.RecordLoaded(n)
		ev.Outcome, ev.Bytes = OutcomeLoaded, n
		observability.SetCacheEntries(c.cache.Len())
		lg.Debug().Dur("took", dur).Int("bytes", n).Msg("tile loaded")
		c.settleLocked(p, v, nil)

	case ctxErr != nil:
		// timeout, or cancelled by Close
		c.metrics.RecordAborted()
		ev.Outcome, ev.Err = OutcomeAborted, aborted(ctxErr)
		lg.Debug().Err(ctxErr).Dur("took", dur).Msg("tile load aborted")
		c.recent.Remove(p.addr)
		var zero P
		c.settleLocked(p, zero, ev.Err)

	default:
		perr := &ProviderError{Addr: p.addr, Err: err}
		ev.Outcome, ev.Err = OutcomeFailed, perr
		if p.speculative && len(p.waiters) == 0 {
			lg.Debug().Err(err).Msg("preload failed")
		} else {
			c.metrics.RecordFailed()
			lg.Warn().Err(err).Dur("took", dur).Msg("tile load failed")
		}
		var zero P
		c.settleLocked(p, zero, perr)
	}

	observability.IncLoadOutcome(string(ev.Outcome), p.prio.String())
	c.outbox = append(c.outbox, ev)
}

// resumeLocked releases a held load once the fetch it waited on returned.
// A successful result is adopted; otherwise the load is queued normally.
func (c *Controller[P]) resumeLocked(p *pending[P], v P, err error, dur time.Duration) {
	p.held = false
	lg := logger.FromContext(p.ctx, c.log)
	if err != nil {
		if qerr := c.enqueueLocked(p); qerr != nil {
			c.abortLocked(p, qerr)
		}
		return
	}

	delete(c.loads, p.addr)
	c.cache.Put(p.addr, v)
	n := sizeOf(v)
	c.metrics.RecordLoaded(n)
	observability.SetCacheEntries(c.cache.Len())
	observability.IncLoadOutcome(string(OutcomeLoaded), p.prio.String())
	lg.Debug().Dur("took", dur).Int("bytes", n).Msg("tile loaded by earlier fetch")
	c.settleLocked(p, v, nil)
	c.outbox = append(c.outbox, Event{
		Addr: p.addr, Priority: p.prio, Outcome: OutcomeLoaded, Bytes: n,
		Duration: dur, Speculative: p.speculative, At: c.now(),
	})
}

func (c *Controller[P]) settleLocked(p *pending[P], v P, err error) {
	for _, f := range p.waiters {
		f.settle(v, err)
	}
	p.waiters = nil
}

// abortLocked settles p as aborted. A dispatched load keeps its slot until
// the provider call returns. The address is dropped from the preload memory
// so a later ring can enqueue it again.
func (c *Controller[P]) abortLocked(p *pending[P], cause error) {
	if c.loads[p.addr] == p {
		delete(c.loads, p.addr)
	}
	if p.dispatched {
		p.abandoned = true
		c.draining[p.addr] = p
		p.cancel()
	}
	p.held = false
	c.recent.Remove(p.addr)
	err := aborted(cause)
	var zero P
	c.settleLocked(p, zero, err)
	c.metrics.RecordAborted()
	observability.IncLoadOutcome(string(OutcomeAborted), p.prio.String())
	c.outbox = append(c.outbox, Event{
		Addr: p.addr, Priority: p.prio, Outcome: OutcomeAborted, Speculative: p.speculative,
		Duration: c.now().Sub(p.createdAt), Err: err, At: c.now(),
	})
}

// CancelNonVisible aborts every queued or in-flight load outside the
// visible tiles and their one-tile halo at the same LOD. It returns how
// many loads were aborted.
func (c *Controller[P]) CancelNonVisible(visible []model.TileAddress) int {
	keep := make(map[model.TileAddress]struct{}, len(visible)*9)
	for _, v := range visible {
		for _, n := range slippy.Neighbors(v, 1) {
			keep[n.Addr] = struct{}{}
		}
	}
	outside := func(a model.TileAddress) bool {
		_, ok := keep[a]
		return !ok
	}

	c.mu.Lock()
	defer c.unlockAndEmit()
	n := c.abortWhereLocked(outside, context.Canceled)
	if n > 0 {
		c.log.Debug().Int("aborted", n).Int("keep", len(keep)).Msg("cancelled non-visible loads")
	}
	return n
}

func (c *Controller[P]) abortWhereLocked(match func(model.TileAddress) bool, cause error) int {
	dropped := c.sched.DropIf(func(r *scheduler.Request[*pending[P]]) bool { return match(r.Addr) })
	for _, r := range dropped {
		c.abortLocked(r.Handle, cause)
	}
	n := len(dropped)
	for a, p := range c.loads {
		if (p.dispatched || p.held) && match(a) {
			c.abortLocked(p, cause)
			n++
		}
	}
	c.pumpLocked()
	return n
}

// Invalidate drops one cached tile and forgets that it was preloaded.
func (c *Controller[P]) Invalidate(addr model.TileAddress) bool {
	c.recent.Remove(addr)
	ok := c.cache.Invalidate(addr)
	observability.SetCacheEntries(c.cache.Len())
	return ok
}

// InvalidateBounds drops every cached tile intersecting b at any LOD.
func (c *Controller[P]) InvalidateBounds(b model.Bounds) int {
	match := func(a model.TileAddress) bool {
		tb, err := slippy.Bounds(a)
		return err == nil && tb.Intersects(b)
	}
	for _, a := range c.recent.Keys() {
		if match(a) {
			c.recent.Remove(a)
		}
	}
	n := c.cache.InvalidateIf(match)
	observability.SetCacheEntries(c.cache.Len())
	return n
}

func (c *Controller[P]) InvalidateAll() int {
	c.recent.Purge()
	n := c.cache.InvalidateAll()
	observability.SetCacheEntries(0)
	return n
}

// Close aborts all queued and in-flight loads, waits for running fetches
// to return and rejects later requests with ErrClosed.
func (c *Controller[P]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	n := c.abortWhereLocked(func(model.TileAddress) bool { return true }, ErrClosed)
	c.unlockAndEmit()

	c.wg.Wait()
	c.log.Info().Int("aborted", n).Msg("load controller closed")
	return nil
}

func (c *Controller[P]) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Queued:           c.sched.Len(),
		QueuedByPriority: c.sched.LenByPriority(),
		InFlight:         c.inFlight,
		Limit:            c.sched.ConcurrencyLimit(),
		Closed:           c.closed,
	}
	c.mu.Unlock()
	s.Cache = c.cache.Stats()
	s.Metrics = c.metrics.Snapshot()
	return s
}

func (c *Controller[P]) Metrics() *metrics.Collector { return c.metrics }

func (c *Controller[P]) observeQueueLocked() {
	by := c.sched.LenByPriority()
	for p, n := range by {
		observability.SetQueueDepth(model.Priority(p).String(), n)
	}
	observability.SetInFlight(c.inFlight)
}

func (c *Controller[P]) unlockAndEmit() {
	evs := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	if c.events == nil {
		return
	}
	for _, e := range evs {
		c.events.TileSettled(e)
	}
}

func sizeOf(v any) int {
	switch t := v.(type) {
	case interface{ Size() int }:
		return t.Size()
	case []byte:
		return len(t)
	case string:
		return len(t)
	default:
		return 0
	}
}

// IsAborted reports whether err settled an aborted load.
func IsAborted(err error) bool { return errors.Is(err, ErrAborted) }
