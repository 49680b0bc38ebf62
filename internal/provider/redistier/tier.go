// Package redistier is a read-through Redis tier in front of another
// elevation tile provider. Tiles are stored as one hash per tile.
package redistier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/cache"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/cache/keys"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/hotness"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/loader"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/logger"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
)

// schemaVersion is bumped when the hash layout changes; other versions
// read as misses.
const schemaVersion = "1"

const (
	fieldData     = "data"
	fieldCT       = "ct"
	fieldFetched  = "fetched"
	fieldFeatures = "features"
	fieldVersion  = "v"
)

const (
	defaultOpTimeout = 250 * time.Millisecond
	delBatch         = 512
)

type Config struct {
	Layer string
	// Source identifies the upstream; it is hashed into every key.
	Source    string
	TTL       time.Duration
	OpTimeout time.Duration
	// Hot, when set, scores every lookup; misses are written back only once
	// their score reaches AdmitScore.
	Hot        hotness.Interface
	AdmitScore float64
}

type Tier struct {
	cfg   Config
	store cache.Store
	next  loader.Provider[*model.ElevationTile]
	log   *zerolog.Logger
}

var _ loader.Provider[*model.ElevationTile] = (*Tier)(nil)

func New(cfg Config, store cache.Store, next loader.Provider[*model.ElevationTile], log *zerolog.Logger) *Tier {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Tier{cfg: cfg, store: store, next: next, log: log}
}

func (t *Tier) key(addr model.TileAddress) string {
	return keys.Key(t.cfg.Layer, addr, t.cfg.Source)
}

// FetchTile serves from Redis when possible and otherwise asks the next
// provider, writing the result back. Redis failures degrade to the next
// provider and never fail the fetch.
func (t *Tier) FetchTile(ctx context.Context, loc model.LatLng, lod int) (*model.ElevationTile, error) {
	addr, err := slippy.LocationToAddress(loc, lod)
	if err != nil {
		return nil, err
	}
	lg := logger.FromContext(ctx, t.log)
	key := t.key(addr)
	if t.cfg.Hot != nil {
		t.cfg.Hot.Inc(key)
	}

	rctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	fields, err := t.store.GetFields(rctx, key)
	cancel()
	switch {
	case err != nil:
		observability.IncRedisTier("error")
		lg.Warn().Err(err).Str("key", key).Msg("redis tier read failed")
	case len(fields) > 0:
		tile, derr := decode(addr, fields)
		if derr == nil {
			observability.IncRedisTier("hit")
			return tile, nil
		}
		lg.Debug().Err(derr).Str("key", key).Msg("redis tier entry unusable")
		observability.IncRedisTier("miss")
	default:
		observability.IncRedisTier("miss")
	}

	tile, err := t.next.FetchTile(ctx, loc, lod)
	if err != nil {
		return nil, err
	}
	if t.admit(key) {
		t.writeBack(ctx, key, tile)
	} else {
		observability.IncRedisTier("skipped")
	}
	return tile, nil
}

func (t *Tier) admit(key string) bool {
	if t.cfg.Hot == nil || t.cfg.AdmitScore <= 0 {
		return true
	}
	return t.cfg.Hot.Score(key) >= t.cfg.AdmitScore
}

func (t *Tier) writeBack(ctx context.Context, key string, tile *model.ElevationTile) {
	fields, err := encode(tile)
	if err != nil {
		observability.IncRedisTier("writeback_error")
		return
	}
	// the load may already be past its deadline; the payload is still good
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.OpTimeout)
	defer cancel()
	if err := t.store.SetFields(wctx, key, fields, t.cfg.TTL); err != nil {
		observability.IncRedisTier("writeback_error")
		logger.FromContext(ctx, t.log).Warn().Err(err).Str("key", key).Msg("redis tier write-back failed")
	}
}

// InvalidateTiles removes the given tiles and reports how many existed.
func (t *Tier) InvalidateTiles(ctx context.Context, addrs []model.TileAddress) (int, error) {
	total := 0
	batch := make([]string, 0, min(len(addrs), delBatch))
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := t.store.Del(ctx, batch...)
		total += int(n)
		batch = batch[:0]
		return err
	}
	for _, a := range addrs {
		k := t.key(a)
		if t.cfg.Hot != nil {
			t.cfg.Hot.Reset(k)
		}
		batch = append(batch, k)
		if len(batch) == delBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

// InvalidateBounds removes every tile intersecting b for lods in
// [minLOD, maxLOD]. Levels too dense to enumerate drop the whole layer.
func (t *Tier) InvalidateBounds(ctx context.Context, b model.Bounds, minLOD, maxLOD int) (int, error) {
	total := 0
	for lod := minLOD; lod <= maxLOD; lod++ {
		addrs, err := slippy.TilesForBounds(b, lod)
		if errors.Is(err, slippy.ErrTooManyTiles) {
			n, lerr := t.InvalidateLayer(ctx)
			return total + n, lerr
		}
		if err != nil {
			return total, err
		}
		n, err := t.InvalidateTiles(ctx, addrs)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// InvalidateLayer removes every tile of the configured layer.
func (t *Tier) InvalidateLayer(ctx context.Context) (int, error) {
	return t.store.DelPrefix(ctx, keys.LayerPrefix(t.cfg.Layer))
}

func encode(tile *model.ElevationTile) (map[string]any, error) {
	if tile == nil {
		return nil, errors.New("nil tile")
	}
	fields := map[string]any{
		fieldData:    tile.Data,
		fieldCT:      tile.ContentType,
		fieldFetched: strconv.FormatInt(tile.FetchedAt.UnixMilli(), 10),
		fieldVersion: schemaVersion,
	}
	if len(tile.Features) > 0 {
		b, err := json.Marshal(tile.Features)
		if err != nil {
			return nil, fmt.Errorf("encode features: %w", err)
		}
		fields[fieldFeatures] = string(b)
	}
	return fields, nil
}

func decode(addr model.TileAddress, f map[string]string) (*model.ElevationTile, error) {
	if f[fieldVersion] != schemaVersion {
		return nil, fmt.Errorf("schema version %q", f[fieldVersion])
	}
	data, ok := f[fieldData]
	if !ok {
		return nil, errors.New("missing data field")
	}
	bounds, err := slippy.Bounds(addr)
	if err != nil {
		return nil, err
	}
	tile := &model.ElevationTile{
		Address:     addr,
		Bounds:      bounds,
		Data:        []byte(data),
		ContentType: f[fieldCT],
	}
	if ms, err := strconv.ParseInt(f[fieldFetched], 10, 64); err == nil {
		tile.FetchedAt = time.UnixMilli(ms).UTC()
	}
	if raw := f[fieldFeatures]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &tile.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
	}
	if tile.Features == nil {
		tile.Features = map[string]string{}
	}
	tile.Features["tier"] = "redis"
	return tile, nil
}
