package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
)

// gateProvider blocks every fetch until release yields (or is closed).
type gateProvider struct {
	release   chan struct{}
	started   chan model.TileAddress
	ignoreCtx bool
	fail      func(model.TileAddress) error

	mu       sync.Mutex
	inFlight int
	maxSeen  int
	calls    map[model.TileAddress]int
}

func newGate() *gateProvider {
	return &gateProvider{
		release: make(chan struct{}),
		started: make(chan model.TileAddress, 256),
		calls:   map[model.TileAddress]int{},
	}
}

func (g *gateProvider) FetchTile(ctx context.Context, loc model.LatLng, lod int) (string, error) {
	addr, err := slippy.LocationToAddress(loc, lod)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.inFlight++
	g.maxSeen = max(g.maxSeen, g.inFlight)
	g.calls[addr]++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	g.started <- addr
	if g.ignoreCtx {
		<-g.release
	} else {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.fail != nil {
		if err := g.fail(addr); err != nil {
			return "", err
		}
	}
	return "tile-" + addr.Key(), nil
}

func (g *gateProvider) callsFor(a model.TileAddress) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[a]
}

func (g *gateProvider) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

func (g *gateProvider) waitStarted(t *testing.T, n int) []model.TileAddress {
	t.Helper()
	out := make([]model.TileAddress, 0, n)
	for range n {
		select {
		case a := <-g.started:
			out = append(out, a)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d fetches started", len(out), n)
		}
	}
	return out
}

func newTestController(t *testing.T, limit int, prov Provider[string]) *Controller[string] {
	t.Helper()
	m := slippy.New(slippy.Config{BaseLOD: 8, MinLOD: 0, MaxLOD: 14})
	c := New(Config{
		CacheDuration:    time.Minute,
		MaxCacheSize:     100,
		PreloadRadius:    2,
		ConcurrencyLimit: limit,
	}, m, prov, Options[string]{})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func tile(x int) model.TileAddress { return model.TileAddress{LOD: 10, X: x, Y: 10} }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func wait(t *testing.T, f *Future[string]) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("future for %s never settled", f.Addr())
	}
	return v, err
}

func mustRequest(t *testing.T, c *Controller[string], a model.TileAddress, p model.Priority, opts ...RequestOption) *Future[string] {
	t.Helper()
	f, err := c.RequestTile(context.Background(), a, p, opts...)
	if err != nil {
		t.Fatalf("RequestTile(%s): %v", a, err)
	}
	return f
}

func TestRequest_NeverExceedsConcurrencyLimit(t *testing.T) {
	g := newGate()
	c := newTestController(t, 4, g)

	futures := make([]*Future[string], 0, 20)
	for i := range 20 {
		futures = append(futures, mustRequest(t, c, tile(i), model.PriorityHigh))
	}
	g.waitStarted(t, 4)

	s := c.Stats()
	if s.InFlight != 4 || s.Queued != 16 {
		t.Fatalf("in_flight=%d queued=%d want 4/16", s.InFlight, s.Queued)
	}

	close(g.release)
	for _, f := range futures {
		if _, err := wait(t, f); err != nil {
			t.Fatalf("future %s: %v", f.Addr(), err)
		}
	}
	if g.peak() > 4 {
		t.Fatalf("provider saw %d concurrent fetches, limit is 4", g.peak())
	}
	if got := c.Metrics().Snapshot().TotalLoaded; got != 20 {
		t.Fatalf("total loaded=%d want 20", got)
	}
}

func TestDispatch_StrictPriorityThenFIFO(t *testing.T) {
	g := newGate()
	c := newTestController(t, 1, g)

	blocker := mustRequest(t, c, tile(0), model.PriorityHigh)
	g.waitStarted(t, 1)

	mustRequest(t, c, tile(1), model.PriorityLow)
	mustRequest(t, c, tile(2), model.PriorityHigh)
	mustRequest(t, c, tile(3), model.PriorityMedium)
	mustRequest(t, c, tile(4), model.PriorityHigh)

	var order []int
	for range 5 {
		g.release <- struct{}{}
		if len(order) < 4 {
			order = append(order, g.waitStarted(t, 1)[0].X)
		}
	}
	want := []int{2, 4, 3, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order=%v want %v", order, want)
		}
	}
	if _, err := wait(t, blocker); err != nil {
		t.Fatalf("blocker: %v", err)
	}
}

func TestCancelNonVisible_AbortsOutsideKeepSet(t *testing.T) {
	g := newGate()
	c := newTestController(t, 2, g)

	futures := make([]*Future[string], 6)
	for i := range 6 {
		futures[i] = mustRequest(t, c, tile(i), model.PriorityHigh)
	}
	g.waitStarted(t, 2) // tiles 0 and 1 in flight

	// visible tile 4 keeps 3..5 through its halo
	if n := c.CancelNonVisible([]model.TileAddress{tile(4)}); n != 3 {
		t.Fatalf("aborted=%d want 3", n)
	}
	for i := range 3 {
		_, err := wait(t, futures[i])
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("tile %d: err=%v want ErrAborted", i, err)
		}
	}

	close(g.release)
	for i := 3; i < 6; i++ {
		if v, err := wait(t, futures[i]); err != nil || v != "tile-"+tile(i).Key() {
			t.Fatalf("tile %d: %q,%v", i, v, err)
		}
	}
	waitFor(t, "idle", func() bool { return c.Stats().InFlight == 0 })

	for i := range 3 {
		if c.cache.Contains(tile(i)) {
			t.Fatalf("aborted tile %d must not be cached", i)
		}
	}
	m := c.Metrics().Snapshot()
	if m.AbortedLoads != 3 || m.TotalLoaded != 3 {
		t.Fatalf("metrics=%+v want 3 aborted, 3 loaded", m)
	}
}

func TestCancelNonVisible_LateProviderSuccessIsDiscarded(t *testing.T) {
	g := newGate()
	g.ignoreCtx = true
	c := newTestController(t, 1, g)

	f := mustRequest(t, c, tile(0), model.PriorityHigh)
	g.waitStarted(t, 1)

	c.CancelNonVisible([]model.TileAddress{tile(500)})
	if _, err := wait(t, f); !errors.Is(err, ErrAborted) {
		t.Fatalf("err=%v want ErrAborted", err)
	}
	// slot stays taken until the provider returns
	if s := c.Stats(); s.InFlight != 1 {
		t.Fatalf("in_flight=%d want 1 while provider still runs", s.InFlight)
	}

	close(g.release)
	waitFor(t, "slot released", func() bool { return c.Stats().InFlight == 0 })
	if c.cache.Contains(tile(0)) {
		t.Fatalf("result of an aborted load must not populate the cache")
	}
}

func TestRequest_ReRequestAdoptsAbandonedFetch(t *testing.T) {
	g := newGate()
	g.ignoreCtx = true
	c := newTestController(t, 2, g)

	first := mustRequest(t, c, tile(0), model.PriorityHigh)
	g.waitStarted(t, 1)
	c.CancelNonVisible([]model.TileAddress{tile(500)})
	if _, err := wait(t, first); !errors.Is(err, ErrAborted) {
		t.Fatalf("first: err=%v want ErrAborted", err)
	}

	again := mustRequest(t, c, tile(0), model.PriorityHigh)
	if s := c.Stats(); s.InFlight != 1 || s.Queued != 0 {
		t.Fatalf("in_flight=%d queued=%d want 1/0 while the old fetch runs", s.InFlight, s.Queued)
	}

	close(g.release)
	if v, err := wait(t, again); err != nil || v != "tile-"+tile(0).Key() {
		t.Fatalf("re-request: %q,%v", v, err)
	}
	waitFor(t, "idle", func() bool { return c.Stats().InFlight == 0 })

	if n := g.callsFor(tile(0)); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
	if g.peak() != 1 {
		t.Fatalf("provider saw %d concurrent fetches for one tile", g.peak())
	}
	if !c.cache.Contains(tile(0)) {
		t.Fatalf("adopted result must be cached")
	}
	if m := c.Metrics().Snapshot(); m.TotalLoaded != 1 || m.AbortedLoads != 1 {
		t.Fatalf("metrics=%+v want 1 loaded, 1 aborted", m)
	}
}

func TestRequest_ReRequestRefetchesWhenAbandonedFetchFails(t *testing.T) {
	g := newGate()
	g.ignoreCtx = true
	g.fail = func(a model.TileAddress) error {
		if g.callsFor(a) == 1 {
			return errors.New("upstream reset")
		}
		return nil
	}
	c := newTestController(t, 2, g)

	first := mustRequest(t, c, tile(0), model.PriorityHigh)
	g.waitStarted(t, 1)
	c.CancelNonVisible([]model.TileAddress{tile(500)})
	if _, err := wait(t, first); !errors.Is(err, ErrAborted) {
		t.Fatalf("first: err=%v want ErrAborted", err)
	}
	again := mustRequest(t, c, tile(0), model.PriorityHigh)

	g.release <- struct{}{}
	g.waitStarted(t, 1)
	close(g.release)

	if v, err := wait(t, again); err != nil || v != "tile-"+tile(0).Key() {
		t.Fatalf("re-request: %q,%v", v, err)
	}
	if n := g.callsFor(tile(0)); n != 2 {
		t.Fatalf("provider called %d times, want 2", n)
	}
	if g.peak() != 1 {
		t.Fatalf("second fetch overlapped the abandoned one: peak=%d", g.peak())
	}
}

func TestCancelNonVisible_AbortsLoadHeldBehindAbandonedFetch(t *testing.T) {
	g := newGate()
	g.ignoreCtx = true
	c := newTestController(t, 2, g)

	mustRequest(t, c, tile(0), model.PriorityHigh)
	g.waitStarted(t, 1)
	c.CancelNonVisible([]model.TileAddress{tile(500)})

	held := mustRequest(t, c, tile(0), model.PriorityHigh)
	if n := c.CancelNonVisible([]model.TileAddress{tile(500)}); n != 1 {
		t.Fatalf("aborted=%d want the held load", n)
	}
	if _, err := wait(t, held); !errors.Is(err, ErrAborted) {
		t.Fatalf("held: err=%v want ErrAborted", err)
	}

	close(g.release)
	waitFor(t, "idle", func() bool { return c.Stats().InFlight == 0 })
	if c.cache.Contains(tile(0)) {
		t.Fatalf("nothing is waiting, so the late result must not be cached")
	}
}

func TestRequest_CoalescesAndPromotes(t *testing.T) {
	g := newGate()
	c := newTestController(t, 1, g)

	mustRequest(t, c, tile(0), model.PriorityHigh)
	g.waitStarted(t, 1)

	medium := mustRequest(t, c, tile(2), model.PriorityMedium)
	low1 := mustRequest(t, c, tile(1), model.PriorityLow)
	// joining at high promotes tile 1 ahead of tile 2
	high := mustRequest(t, c, tile(1), model.PriorityHigh)

	if s := c.Stats(); s.Queued != 2 || s.QueuedByPriority[model.PriorityHigh] != 1 {
		t.Fatalf("stats=%+v want 2 queued, 1 high", s)
	}

	g.release <- struct{}{}
	if next := g.waitStarted(t, 1)[0]; next != tile(1) {
		t.Fatalf("next dispatched=%s want promoted %s", next, tile(1))
	}
	close(g.release)

	v1, err1 := wait(t, low1)
	v2, err2 := wait(t, high)
	if err1 != nil || err2 != nil || v1 != v2 {
		t.Fatalf("coalesced futures differ: %q,%v vs %q,%v", v1, err1, v2, err2)
	}
	if _, err := wait(t, medium); err != nil {
		t.Fatalf("medium: %v", err)
	}
	if n := g.callsFor(tile(1)); n != 1 {
		t.Fatalf("provider called %d times for coalesced tile, want 1", n)
	}
}

func TestRequest_TimeoutSettlesAborted(t *testing.T) {
	g := newGate()
	c := newTestController(t, 2, g)

	f := mustRequest(t, c, tile(0), model.PriorityHigh, WithTimeout(20*time.Millisecond))
	_, err := wait(t, f)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want ErrAborted wrapping DeadlineExceeded", err)
	}
	waitFor(t, "idle", func() bool { return c.Stats().InFlight == 0 })

	if c.cache.Contains(tile(0)) {
		t.Fatalf("timed out load must not be cached")
	}
	m := c.Metrics().Snapshot()
	if m.AbortedLoads != 1 || m.FailedLoads != 0 {
		t.Fatalf("metrics=%+v want 1 aborted, 0 failed", m)
	}

	// the tile is requestable again
	close(g.release)
	if _, err := wait(t, mustRequest(t, c, tile(0), model.PriorityHigh)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestRequest_CacheHitSettlesImmediately(t *testing.T) {
	g := newGate()
	close(g.release)
	c := newTestController(t, 4, g)

	loc := model.LatLng{Lat: 48.8566, Lng: 2.3522}
	f, err := c.Request(context.Background(), loc, 12, model.PriorityHigh)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	first, err := wait(t, f)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	f2, err := c.Request(context.Background(), loc, 12, model.PriorityLow)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	select {
	case <-f2.Done():
	default:
		t.Fatalf("cache hit must return a settled future")
	}
	if v, _ := wait(t, f2); v != first || !f2.FromCache() {
		t.Fatalf("hit=%q fromCache=%v want %q,true", v, f2.FromCache(), first)
	}

	m := c.Metrics().Snapshot()
	if m.CacheHits != 1 || m.CacheMisses != 1 || m.TotalLoaded != 1 {
		t.Fatalf("metrics=%+v", m)
	}
	if m.TotalDataVolume != uint64(len(first)) {
		t.Fatalf("volume=%d want %d", m.TotalDataVolume, len(first))
	}
}

func TestRequest_CoordinateErrorHasNoSideEffects(t *testing.T) {
	g := newGate()
	c := newTestController(t, 4, g)

	_, err := c.Request(context.Background(), model.LatLng{Lat: 89, Lng: 0}, 10, model.PriorityHigh)
	if !errors.Is(err, slippy.ErrCoordinate) || !errors.Is(err, slippy.ErrLatitudeOutOfRange) {
		t.Fatalf("err=%v want ErrLatitudeOutOfRange", err)
	}
	_, err = c.Request(context.Background(), model.LatLng{Lat: 10, Lng: 10}, 31, model.PriorityHigh)
	if !errors.Is(err, slippy.ErrLODOutOfRange) {
		t.Fatalf("err=%v want ErrLODOutOfRange", err)
	}

	s := c.Stats()
	if s.Queued != 0 || s.InFlight != 0 || s.Cache.Entries != 0 || s.Metrics != (Stats{}).Metrics {
		t.Fatalf("coordinate errors left side effects: %+v", s)
	}
}

func TestRequest_ProviderErrorFailsFuture(t *testing.T) {
	g := newGate()
	close(g.release)
	boom := errors.New("upstream 500")
	g.fail = func(a model.TileAddress) error {
		if a == tile(7) {
			return boom
		}
		return nil
	}
	c := newTestController(t, 4, g)

	_, err := wait(t, mustRequest(t, c, tile(7), model.PriorityHigh))
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Addr != tile(7) || !errors.Is(err, boom) {
		t.Fatalf("err=%v want *ProviderError for %s wrapping boom", err, tile(7))
	}
	waitFor(t, "idle", func() bool { return c.Stats().InFlight == 0 })
	if c.cache.Contains(tile(7)) {
		t.Fatalf("failed load must not be cached")
	}

	_, _ = wait(t, mustRequest(t, c, tile(7), model.PriorityHigh))
	if n := g.callsFor(tile(7)); n != 2 {
		t.Fatalf("failed tile must be fetched again, calls=%d", n)
	}
	if m := c.Metrics().Snapshot(); m.FailedLoads != 2 {
		t.Fatalf("failed=%d want 2", m.FailedLoads)
	}
}

func TestRequest_InvalidPriorityRejected(t *testing.T) {
	c := newTestController(t, 1, newGate())
	if _, err := c.RequestTile(context.Background(), tile(1), model.Priority(9)); err == nil {
		t.Fatalf("expected error for invalid priority")
	}
	if c.Stats().Metrics.CacheMisses != 0 {
		t.Fatalf("invalid priority must not count a miss")
	}
}

func TestClose_AbortsEverythingAndRejects(t *testing.T) {
	g := newGate()
	c := newTestController(t, 1, g)

	inflight := mustRequest(t, c, tile(0), model.PriorityHigh)
	queued := mustRequest(t, c, tile(1), model.PriorityLow)
	g.waitStarted(t, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, f := range []*Future[string]{inflight, queued} {
		_, err := wait(t, f)
		if !errors.Is(err, ErrAborted) || !errors.Is(err, ErrClosed) {
			t.Fatalf("%s: err=%v want aborted by close", f.Addr(), err)
		}
	}
	if _, err := c.RequestTile(context.Background(), tile(2), model.PriorityHigh); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if _, err := c.PreloadAround(model.LatLng{}, 10); !errors.Is(err, ErrClosed) {
		t.Fatalf("preload err=%v want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDispatch_PanicsOnCapacityViolation(t *testing.T) {
	c := newTestController(t, 1, newGate())

	defer func() {
		r := recover()
		if err, ok := r.(error); !ok || !errors.Is(err, ErrCapacityViolation) {
			t.Fatalf("recover=%v want ErrCapacityViolation", r)
		}
	}()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = 1
	c.dispatchLocked(&pending[string]{addr: tile(1), ctx: context.Background()})
}

func TestEvents_ReportEverySettlement(t *testing.T) {
	g := newGate()
	close(g.release)

	var mu sync.Mutex
	var got []Outcome
	m := slippy.New(slippy.Config{BaseLOD: 8, MaxLOD: 14})
	c := New(Config{MaxCacheSize: 10, ConcurrencyLimit: 2}, m, g, Options[string]{
		Events: EventSinkFunc(func(e Event) {
			mu.Lock()
			got = append(got, e.Outcome)
			mu.Unlock()
		}),
	})
	defer func() { _ = c.Close() }()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}
	for i := range 2 {
		f, err := c.RequestTile(context.Background(), tile(1), model.PriorityHigh)
		if err != nil {
			t.Fatalf("RequestTile: %v", err)
		}
		if _, err := wait(t, f); err != nil {
			t.Fatalf("wait: %v", err)
		}
		waitFor(t, "event", func() bool { return count() == i+1 })
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(got) != fmt.Sprint([]Outcome{OutcomeLoaded, OutcomeHit}) {
		t.Fatalf("events=%v want [loaded hit]", got)
	}
}
