// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l LatLng) String() string {
	return fmt.Sprintf("%.6f,%.6f", l.Lat, l.Lng)
}

// Bounds in degrees, EPSG:4326
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// String representation matching wms bbox order
func (b Bounds) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

func (b Bounds) Contains(p LatLng) bool {
	return p.Lng >= b.West && p.Lng <= b.East && p.Lat >= b.South && p.Lat <= b.North
}

// Intersects treats edges as inclusive. Neither box may cross the antimeridian.
func (b Bounds) Intersects(o Bounds) bool {
	return b.West <= o.East && o.West <= b.East && b.South <= o.North && o.South <= b.North
}

func (b Bounds) Center() LatLng {
	return LatLng{Lat: (b.South + b.North) / 2, Lng: (b.West + b.East) / 2}
}

// TileAddress is comparable and used directly as a map key.
type TileAddress struct {
	LOD int `json:"lod"`
	X   int `json:"x"`
	Y   int `json:"y"`
}

// Key renders "{lod}_{x}_{y}".
func (a TileAddress) Key() string {
	return strconv.Itoa(a.LOD) + "_" + strconv.Itoa(a.X) + "_" + strconv.Itoa(a.Y)
}

func (a TileAddress) String() string { return a.Key() }

// Valid reports whether 0 <= x,y < 2^lod.
func (a TileAddress) Valid() bool {
	if a.LOD < 0 || a.LOD > MaxLOD {
		return false
	}
	n := 1 << uint(a.LOD)
	return a.X >= 0 && a.X < n && a.Y >= 0 && a.Y < n
}

// MaxLOD keeps 2^lod inside an int on every platform.
const MaxLOD = 30

func ParseKey(s string) (TileAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), "_")
	if len(parts) != 3 {
		return TileAddress{}, fmt.Errorf("tile key %q: want lod_x_y", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return TileAddress{}, fmt.Errorf("tile key %q: %w", s, err)
		}
		nums[i] = n
	}
	a := TileAddress{LOD: nums[0], X: nums[1], Y: nums[2]}
	if !a.Valid() {
		return TileAddress{}, fmt.Errorf("tile key %q: out of range", s)
	}
	return a, nil
}

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// NumPriorities is the number of scheduler tiers.
const NumPriorities = 3

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "high":
		return PriorityHigh, nil
	case "medium", "med":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (want high|medium|low)", s)
	}
}

// ElevationTile is the payload the service binary caches and serves.
type ElevationTile struct {
	Address     TileAddress       `json:"address"`
	Bounds      Bounds            `json:"bounds"`
	Data        []byte            `json:"-"`
	ContentType string            `json:"content_type"`
	Features    map[string]string `json:"features,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// Size approximates the payload volume in bytes.
func (t *ElevationTile) Size() int {
	if t == nil {
		return 0
	}
	n := len(t.Data)
	for k, v := range t.Features {
		n += len(k) + len(v)
	}
	return n
}
