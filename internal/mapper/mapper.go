// Package mapper converts between geographic coordinates and tile addresses.
package mapper

import (
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

type Interface interface {
	LODForDetail(detail float64) int
	MinLOD() int
	LocationToAddress(loc model.LatLng, lod int) (model.TileAddress, error)
	AddressToLocation(addr model.TileAddress) (model.LatLng, error)
	TilesForBounds(b model.Bounds, lod int) ([]model.TileAddress, error)
}
