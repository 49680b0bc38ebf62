package invalidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

func mustTS() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }

func TestEvent_Validate(t *testing.T) {
	bb := &BBox{X1: 8.4, Y1: 47.3, X2: 8.6, Y2: 47.4, SRID: "EPSG:4326"}
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"tiles", Event{Version: 1, Op: OpTiles, Layer: "dem", TS: mustTS(), Tiles: []string{"10_536_358"}}, true},
		{"bbox", Event{Version: 1, Op: OpBBox, Layer: "dem", TS: mustTS(), BBox: bb}, true},
		{"layer", Event{Version: 1, Op: OpLayer, Layer: "dem", TS: mustTS()}, true},
		{"bad version", Event{Version: 2, Op: OpLayer, Layer: "dem", TS: mustTS()}, false},
		{"no layer", Event{Version: 1, Op: OpLayer, TS: mustTS()}, false},
		{"no ts", Event{Version: 1, Op: OpLayer, Layer: "dem"}, false},
		{"unknown op", Event{Version: 1, Op: "update", Layer: "dem", TS: mustTS()}, false},
		{"tiles empty", Event{Version: 1, Op: OpTiles, Layer: "dem", TS: mustTS()}, false},
		{"tiles bad key", Event{Version: 1, Op: OpTiles, Layer: "dem", TS: mustTS(), Tiles: []string{"3_9_0"}}, false},
		{"tiles with bbox", Event{Version: 1, Op: OpTiles, Layer: "dem", TS: mustTS(), Tiles: []string{"1_0_0"}, BBox: bb}, false},
		{"bbox missing", Event{Version: 1, Op: OpBBox, Layer: "dem", TS: mustTS()}, false},
		{"bbox inverted", Event{Version: 1, Op: OpBBox, Layer: "dem", TS: mustTS(), BBox: &BBox{X1: 9, Y1: 47, X2: 8, Y2: 48}}, false},
		{"bbox srid", Event{Version: 1, Op: OpBBox, Layer: "dem", TS: mustTS(), BBox: &BBox{X1: 8, Y1: 47, X2: 9, Y2: 48, SRID: "EPSG:3857"}}, false},
		{"layer with tiles", Event{Version: 1, Op: OpLayer, Layer: "dem", TS: mustTS(), Tiles: []string{"1_0_0"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("err=%v want ErrInvalidEvent", err)
			}
		})
	}
}

type fakeMemory struct {
	held    map[model.TileAddress]bool
	boxes   []model.Bounds
	cleared int
}

func (f *fakeMemory) Invalidate(a model.TileAddress) bool {
	ok := f.held[a]
	delete(f.held, a)
	return ok
}

func (f *fakeMemory) InvalidateBounds(b model.Bounds) int {
	f.boxes = append(f.boxes, b)
	return 3
}

func (f *fakeMemory) InvalidateAll() int {
	f.cleared++
	n := len(f.held)
	f.held = map[model.TileAddress]bool{}
	return n
}

type fakeShared struct {
	lods  [2]int
	calls []string
	err   error
}

func (f *fakeShared) InvalidateTiles(_ context.Context, addrs []model.TileAddress) (int, error) {
	f.calls = append(f.calls, "tiles")
	return len(addrs), f.err
}

func (f *fakeShared) InvalidateBounds(_ context.Context, _ model.Bounds, minLOD, maxLOD int) (int, error) {
	f.calls = append(f.calls, "bbox")
	f.lods = [2]int{minLOD, maxLOD}
	return 5, f.err
}

func (f *fakeShared) InvalidateLayer(context.Context) (int, error) {
	f.calls = append(f.calls, "layer")
	return 7, f.err
}

func TestApply_ChainSumsAndOrders(t *testing.T) {
	held := model.TileAddress{LOD: 10, X: 536, Y: 358}
	mem := &fakeMemory{held: map[model.TileAddress]bool{held: true}}
	sh := &fakeShared{}
	chain := Chain{Shared(sh, 6, 14), Memory(mem)}
	ctx := context.Background()

	n, err := Apply(ctx, chain, Event{Op: OpTiles, Tiles: []string{"10_536_358", "10_0_0"}})
	if err != nil || n != 3 {
		t.Fatalf("tiles n=%d err=%v want 3", n, err)
	}

	bb := &BBox{X1: 8, Y1: 47, X2: 9, Y2: 48}
	n, err = Apply(ctx, chain, Event{Op: OpBBox, BBox: bb})
	if err != nil || n != 8 {
		t.Fatalf("bbox n=%d err=%v want 8", n, err)
	}
	if sh.lods != [2]int{6, 14} {
		t.Fatalf("shared lods=%v", sh.lods)
	}
	if len(mem.boxes) != 1 || mem.boxes[0] != bb.Bounds() {
		t.Fatalf("memory boxes=%v", mem.boxes)
	}

	if _, err := Apply(ctx, chain, Event{Op: OpLayer}); err != nil {
		t.Fatalf("layer: %v", err)
	}
	if mem.cleared != 1 {
		t.Fatalf("memory cleared=%d", mem.cleared)
	}
}

func TestChain_StopsAtFirstError(t *testing.T) {
	boom := errors.New("redis down")
	mem := &fakeMemory{held: map[model.TileAddress]bool{}}
	chain := Chain{Shared(&fakeShared{err: boom}, 0, 1), Memory(mem)}

	if _, err := chain.InvalidateLayer(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if mem.cleared != 0 {
		t.Fatalf("memory tier must not run after shared failure")
	}
}
