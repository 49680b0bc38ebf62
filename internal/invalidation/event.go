// Package invalidation defines the tile invalidation events published on
// Kafka and applies them to the cache tiers.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
)

const (
	OpTiles = "tiles"
	OpBBox  = "bbox"
	OpLayer = "layer"
)

var ErrInvalidEvent = errors.New("invalid invalidation event")

// Event is version 1 of the wire format. Seq, when set, increases per
// layer; events at or below the last applied Seq are skipped.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Layer   string    `json:"layer"`
	TS      time.Time `json:"ts"`
	Seq     uint64    `json:"seq,omitempty"`
	Tiles   []string  `json:"tiles,omitempty"`
	BBox    *BBox     `json:"bbox,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (b BBox) Bounds() model.Bounds {
	return model.Bounds{West: b.X1, South: b.Y1, East: b.X2, North: b.Y2}
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, a...))
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return invalid("version must be 1")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return invalid("layer is required")
	}
	if e.TS.IsZero() {
		return invalid("ts is required")
	}
	switch e.Op {
	case OpTiles:
		if len(e.Tiles) == 0 {
			return invalid("tiles op needs at least one tile")
		}
		if e.BBox != nil {
			return invalid("tiles op must not carry a bbox")
		}
		if _, err := e.Addresses(); err != nil {
			return invalid("%v", err)
		}
	case OpBBox:
		if e.BBox == nil {
			return invalid("bbox op needs a bbox")
		}
		if len(e.Tiles) > 0 {
			return invalid("bbox op must not carry tiles")
		}
		bb := *e.BBox
		if bb.SRID != "" && bb.SRID != "EPSG:4326" {
			return invalid("bbox.srid must be EPSG:4326")
		}
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return invalid("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return invalid("bbox latitude out of range")
		}
		if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
			return invalid("bbox must satisfy x2>x1 and y2>y1")
		}
	case OpLayer:
		if len(e.Tiles) > 0 || e.BBox != nil {
			return invalid("layer op takes no tiles or bbox")
		}
	default:
		return invalid("op must be tiles|bbox|layer")
	}
	return nil
}

// Addresses parses the "{lod}_{x}_{y}" tile keys.
func (e Event) Addresses() ([]model.TileAddress, error) {
	out := make([]model.TileAddress, 0, len(e.Tiles))
	for _, k := range e.Tiles {
		a, err := model.ParseKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
