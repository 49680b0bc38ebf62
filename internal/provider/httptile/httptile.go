// Package httptile fetches elevation tiles from a z/x/y URL template
// upstream (Terrarium or Mapbox terrain-RGB style PNGs).
package httptile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/logger"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
)

const (
	EncodingTerrarium = "terrarium"
	EncodingMapbox    = "mapbox"

	defaultMaxBytes = 4 << 20
	providerName    = "http"
)

var (
	// ErrNotFound is returned when the upstream has no data for a tile.
	ErrNotFound = errors.New("tile not found upstream")
	ErrTooLarge = errors.New("tile body exceeds size limit")
)

// StatusError is an unexpected upstream status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.Code)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Config struct {
	URLTemplate string
	// Encoding enables elevation statistics for PNG tiles: terrarium,
	// mapbox or empty to leave payloads opaque.
	Encoding string
	MaxBytes int64
}

type Provider struct {
	cfg    Config
	client *http.Client
	log    *zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, client *http.Client, log *zerolog.Logger) (*Provider, error) {
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(cfg.URLTemplate, ph) {
			return nil, fmt.Errorf("url template %q lacks %s", cfg.URLTemplate, ph)
		}
	}
	switch cfg.Encoding {
	case "", EncodingTerrarium, EncodingMapbox:
	default:
		return nil, fmt.Errorf("unknown elevation encoding %q", cfg.Encoding)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Provider{cfg: cfg, client: client, log: log, now: time.Now}, nil
}

// URL expands the template for addr.
func (p *Provider) URL(addr model.TileAddress) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(addr.LOD),
		"{x}", strconv.Itoa(addr.X),
		"{y}", strconv.Itoa(addr.Y),
	).Replace(p.cfg.URLTemplate)
}

func (p *Provider) FetchTile(ctx context.Context, loc model.LatLng, lod int) (*model.ElevationTile, error) {
	addr, err := slippy.LocationToAddress(loc, lod)
	if err != nil {
		return nil, err
	}
	bounds, err := slippy.Bounds(addr)
	if err != nil {
		return nil, err
	}

	url := p.URL(addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/png, image/webp;q=0.9, */*;q=0.5")

	start := p.now()
	body, ct, etag, err := p.do(req)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	observability.ObserveProviderFetch(providerName, outcome, p.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}

	t := &model.ElevationTile{
		Address:     addr,
		Bounds:      bounds,
		Data:        body,
		ContentType: ct,
		Features:    map[string]string{"source": providerName},
		FetchedAt:   p.now().UTC(),
	}
	if etag != "" {
		t.Features["upstream_etag"] = etag
	}
	if p.cfg.Encoding != "" && strings.HasPrefix(ct, "image/png") {
		if lo, hi, err := elevationRange(body, p.cfg.Encoding); err == nil {
			t.Features["encoding"] = p.cfg.Encoding
			t.Features["elevation_min"] = strconv.FormatFloat(lo, 'f', 1, 64)
			t.Features["elevation_max"] = strconv.FormatFloat(hi, 'f', 1, 64)
		} else {
			logger.FromContext(ctx, p.log).Debug().Err(err).Str("url", url).Msg("elevation decode skipped")
		}
	}
	return t, nil
}

func (p *Provider) do(req *http.Request) (body []byte, contentType, etag string, err error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("get %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "", "", fmt.Errorf("%s: %w", req.URL, ErrNotFound)
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "", "", &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("read %s: %w", req.URL, err)
	}
	if int64(len(body)) > p.cfg.MaxBytes {
		return nil, "", "", fmt.Errorf("%s: %w (%d bytes)", req.URL, ErrTooLarge, p.cfg.MaxBytes)
	}

	contentType = resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, resp.Header.Get("ETag"), nil
}

// elevationRange decodes an RGB-encoded elevation PNG and returns the
// lowest and highest elevation in meters.
func elevationRange(b []byte, encoding string) (lo, hi float64, err error) {
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		return 0, 0, fmt.Errorf("decode png: %w", err)
	}
	r := img.Bounds()
	if r.Empty() {
		return 0, 0, errors.New("empty image")
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			e := decodeElevation(img, x, y, encoding)
			lo = math.Min(lo, e)
			hi = math.Max(hi, e)
		}
	}
	return lo, hi, nil
}

func decodeElevation(img image.Image, x, y int, encoding string) float64 {
	cr, cg, cb, _ := img.At(x, y).RGBA()
	R, G, B := float64(cr>>8), float64(cg>>8), float64(cb>>8)
	if encoding == EncodingMapbox {
		return -10000 + (R*256*256+G*256+B)*0.1
	}
	return R*256 + G + B/256 - 32768
}
