// Package slippy implements Web Mercator (slippy map) tile addressing.
package slippy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper"
)

// MaxLatitude is the Web Mercator cut-off, atan(sinh(pi)) in degrees.
const MaxLatitude = 85.05112877980659

// MaxDetail is the top of the zoom-like detail signal range.
const MaxDetail = 20.0

// maxTilesPerQuery bounds TilesForBounds expansion.
const maxTilesPerQuery = 4096

var (
	ErrCoordinate         = errors.New("invalid coordinate")
	ErrLatitudeOutOfRange = fmt.Errorf("%w: latitude outside mercator range", ErrCoordinate)
	ErrLODOutOfRange      = fmt.Errorf("%w: lod out of range", ErrCoordinate)
	ErrInvalidLocation    = fmt.Errorf("%w: location is not finite or longitude outside [-180,180]", ErrCoordinate)
	ErrTooManyTiles       = errors.New("bounds expand to too many tiles")
)

type Config struct {
	BaseLOD         int
	MinLOD          int
	MaxLOD          int
	ReducedFidelity bool
}

type Mapper struct {
	cfg Config
}

var _ mapper.Interface = (*Mapper)(nil)

func New(cfg Config) *Mapper {
	if cfg.MinLOD < 0 {
		cfg.MinLOD = 0
	}
	if cfg.MaxLOD > model.MaxLOD {
		cfg.MaxLOD = model.MaxLOD
	}
	if cfg.MaxLOD < cfg.MinLOD {
		cfg.MaxLOD = cfg.MinLOD
	}
	cfg.BaseLOD = clampInt(cfg.BaseLOD, cfg.MinLOD, cfg.MaxLOD)
	return &Mapper{cfg: cfg}
}

func (m *Mapper) Config() Config { return m.cfg }

func (m *Mapper) MinLOD() int { return m.cfg.MinLOD }

// LODForDetail maps a 0..MaxDetail signal linearly onto [base, max].
func (m *Mapper) LODForDetail(detail float64) int {
	if math.IsNaN(detail) {
		detail = 0
	}
	detail = math.Max(0, math.Min(detail, MaxDetail))

	base := m.cfg.BaseLOD
	if m.cfg.ReducedFidelity {
		base--
	}
	base = clampInt(base, m.cfg.MinLOD, m.cfg.MaxLOD)

	span := float64(m.cfg.MaxLOD - base)
	lod := base + int(math.Round(span*detail/MaxDetail))
	return clampInt(lod, m.cfg.MinLOD, m.cfg.MaxLOD)
}

func (m *Mapper) LocationToAddress(loc model.LatLng, lod int) (model.TileAddress, error) {
	return LocationToAddress(loc, lod)
}

func (m *Mapper) AddressToLocation(addr model.TileAddress) (model.LatLng, error) {
	return AddressToLocation(addr)
}

func (m *Mapper) TilesForBounds(b model.Bounds, lod int) ([]model.TileAddress, error) {
	return TilesForBounds(b, lod)
}

// LocationToAddress returns the tile containing loc at lod.
func LocationToAddress(loc model.LatLng, lod int) (model.TileAddress, error) {
	if lod < 0 || lod > model.MaxLOD {
		return model.TileAddress{}, fmt.Errorf("lod %d: %w", lod, ErrLODOutOfRange)
	}
	if !finite(loc.Lat) || !finite(loc.Lng) || loc.Lng < -180 || loc.Lng > 180 {
		return model.TileAddress{}, fmt.Errorf("location %s: %w", loc, ErrInvalidLocation)
	}
	if math.Abs(loc.Lat) >= MaxLatitude {
		return model.TileAddress{}, fmt.Errorf("latitude %.6f: %w", loc.Lat, ErrLatitudeOutOfRange)
	}

	n := float64(int(1) << uint(lod))
	latRad := loc.Lat * math.Pi / 180
	x := int(math.Floor(n * (loc.Lng + 180) / 360))
	y := int(math.Floor(n * (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2))

	// lng=180 lands one past the last column
	last := int(n) - 1
	return model.TileAddress{LOD: lod, X: clampInt(x, 0, last), Y: clampInt(y, 0, last)}, nil
}

// AddressToLocation returns the top-left (north-west) corner of addr.
func AddressToLocation(addr model.TileAddress) (model.LatLng, error) {
	if !addr.Valid() {
		return model.LatLng{}, fmt.Errorf("tile %s: %w", addr.Key(), ErrLODOutOfRange)
	}
	n := float64(int(1) << uint(addr.LOD))
	lng := float64(addr.X)/n*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(addr.Y)/n)))
	return model.LatLng{Lat: latRad * 180 / math.Pi, Lng: lng}, nil
}

// Bounds returns the geographic extent of addr.
func Bounds(addr model.TileAddress) (model.Bounds, error) {
	if !addr.Valid() {
		return model.Bounds{}, fmt.Errorf("tile %s: %w", addr.Key(), ErrLODOutOfRange)
	}
	t := maptile.New(uint32(addr.X), uint32(addr.Y), maptile.Zoom(addr.LOD))
	b := t.Bound()
	return model.Bounds{West: b.Min[0], South: b.Min[1], East: b.Max[0], North: b.Max[1]}, nil
}

// Center returns the middle of addr, a location that maps back to addr.
func Center(addr model.TileAddress) (model.LatLng, error) {
	b, err := Bounds(addr)
	if err != nil {
		return model.LatLng{}, err
	}
	return b.Center(), nil
}

// ClampLatitude pulls lat just inside the mercator range.
func ClampLatitude(lat float64) float64 {
	const limit = MaxLatitude - 1e-9
	return math.Max(-limit, math.Min(lat, limit))
}

// TilesForBounds lists every tile at lod intersecting b, sorted by (y, x).
// West > East is treated as crossing the antimeridian.
func TilesForBounds(b model.Bounds, lod int) ([]model.TileAddress, error) {
	if b.South > b.North {
		return nil, fmt.Errorf("bounds %s: south > north: %w", b, ErrCoordinate)
	}
	nw, err := LocationToAddress(model.LatLng{Lat: ClampLatitude(b.North), Lng: b.West}, lod)
	if err != nil {
		return nil, err
	}
	se, err := LocationToAddress(model.LatLng{Lat: ClampLatitude(b.South), Lng: b.East}, lod)
	if err != nil {
		return nil, err
	}

	n := 1 << uint(lod)
	wraps := b.West > b.East
	cols := se.X - nw.X + 1
	if wraps {
		cols = n - nw.X + min(se.X+1, nw.X)
	}
	rows := se.Y - nw.Y + 1
	// checked before anything is allocated; wide bounds at high lods span
	// millions of columns
	if cols > maxTilesPerQuery || rows > maxTilesPerQuery || rows*cols > maxTilesPerQuery {
		return nil, fmt.Errorf("%d tiles at lod %d: %w", rows*cols, lod, ErrTooManyTiles)
	}

	xs := make([]int, 0, cols)
	if !wraps {
		for x := nw.X; x <= se.X; x++ {
			xs = append(xs, x)
		}
	} else {
		for x := nw.X; x < n; x++ {
			xs = append(xs, x)
		}
		for x := 0; x <= se.X && x < nw.X; x++ {
			xs = append(xs, x)
		}
	}

	out := make([]model.TileAddress, 0, rows*len(xs))
	for y := nw.Y; y <= se.Y; y++ {
		for _, x := range xs {
			out = append(out, model.TileAddress{LOD: lod, X: x, Y: y})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
