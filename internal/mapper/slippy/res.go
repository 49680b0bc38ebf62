package slippy

import (
	"fmt"
	"sort"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

// maxChildDepth caps ToChildren fan-out at 4^8 tiles.
const maxChildDepth = 8

type Neighbor struct {
	Addr model.TileAddress
	Dist int
}

func ToParent(addr model.TileAddress, parentLOD int) (model.TileAddress, error) {
	if !addr.Valid() {
		return model.TileAddress{}, fmt.Errorf("tile %s: %w", addr.Key(), ErrLODOutOfRange)
	}
	if parentLOD < 0 || parentLOD > addr.LOD {
		return model.TileAddress{}, fmt.Errorf("parent lod %d must be in [0,%d]: %w", parentLOD, addr.LOD, ErrLODOutOfRange)
	}
	shift := uint(addr.LOD - parentLOD)
	return model.TileAddress{LOD: parentLOD, X: addr.X >> shift, Y: addr.Y >> shift}, nil
}

// ToChildren returns the children of addr at childLOD in row-major order.
func ToChildren(addr model.TileAddress, childLOD int) ([]model.TileAddress, error) {
	if !addr.Valid() {
		return nil, fmt.Errorf("tile %s: %w", addr.Key(), ErrLODOutOfRange)
	}
	if childLOD < addr.LOD || childLOD > model.MaxLOD {
		return nil, fmt.Errorf("child lod %d must be in [%d,%d]: %w", childLOD, addr.LOD, model.MaxLOD, ErrLODOutOfRange)
	}
	depth := childLOD - addr.LOD
	if depth > maxChildDepth {
		return nil, fmt.Errorf("child lod %d is %d levels below %s: %w", childLOD, depth, addr.Key(), ErrTooManyTiles)
	}
	if depth == 0 {
		return []model.TileAddress{addr}, nil
	}

	side := 1 << uint(depth)
	out := make([]model.TileAddress, 0, side*side)
	for dy := range side {
		for dx := range side {
			out = append(out, model.TileAddress{
				LOD: childLOD,
				X:   addr.X<<uint(depth) + dx,
				Y:   addr.Y<<uint(depth) + dy,
			})
		}
	}
	return out, nil
}

// Neighbors lists every tile within Chebyshev radius of center, center
// included at Dist 0. x wraps around the antimeridian, y is clipped at the
// poles. Sorted by distance, then (y, x).
func Neighbors(center model.TileAddress, radius int) []Neighbor {
	if !center.Valid() || radius < 0 {
		return nil
	}
	n := 1 << uint(center.LOD)
	side := 2*radius + 1
	seen := make(map[model.TileAddress]int, side*side)
	out := make([]Neighbor, 0, side*side)

	for dy := -radius; dy <= radius; dy++ {
		y := center.Y + dy
		if y < 0 || y >= n {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x := ((center.X+dx)%n + n) % n
			a := model.TileAddress{LOD: center.LOD, X: x, Y: y}
			d := max(abs(dx), abs(dy))
			// small grids wrap onto themselves; keep the shortest distance
			if i, ok := seen[a]; ok {
				out[i].Dist = min(out[i].Dist, d)
				continue
			}
			seen[a] = len(out)
			out = append(out, Neighbor{Addr: a, Dist: d})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Dist != out[j].Dist {
			return out[i].Dist < out[j].Dist
		}
		if out[i].Addr.Y != out[j].Addr.Y {
			return out[i].Addr.Y < out[j].Addr.Y
		}
		return out[i].Addr.X < out[j].Addr.X
	})
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
