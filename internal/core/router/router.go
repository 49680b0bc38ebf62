// Package router exposes the tile loader over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/cache/keys"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/loader"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/provider/httptile"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/scheduler"
)

// TileService is the slice of the load controller the API drives.
type TileService interface {
	Request(ctx context.Context, loc model.LatLng, lod int, prio model.Priority, opts ...loader.RequestOption) (*loader.Future[*model.ElevationTile], error)
	RequestTile(ctx context.Context, addr model.TileAddress, prio model.Priority, opts ...loader.RequestOption) (*loader.Future[*model.ElevationTile], error)
	CancelNonVisible(visible []model.TileAddress) int
	PreloadAround(center model.LatLng, detail float64) (int, error)
	Stats() loader.Stats
}

type API struct {
	svc    TileService
	mapper mapper.Interface
	logger *slog.Logger
	// maxViewportTiles bounds the tiles a single viewport update may request.
	maxViewportTiles int
}

func New(svc TileService, m mapper.Interface, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, mapper: m, logger: logger, maxViewportTiles: 256}
}

// Mount registers the tile routes on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/tiles/at", a.handleTileAt)
	r.Get("/tiles/{lod}/{x}/{y}", a.handleTile)
	r.Post("/viewport", a.handleViewport)
	r.Get("/stats", a.handleStats)
}

func (a *API) handleTile(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "lod"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prio, err := model.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f, err := a.svc.RequestTile(r.Context(), addr, prio)
	a.serveFuture(w, r, f, err)
}

func (a *API) handleTileAt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := parseFloat("lat", q.Get("lat"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lng, err := parseFloat("lng", q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prio, err := model.ParsePriority(q.Get("priority"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var lod int
	switch {
	case q.Get("lod") != "":
		if lod, err = strconv.Atoi(q.Get("lod")); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("lod: %w", err))
			return
		}
	default:
		detail := 0.0
		if q.Get("detail") != "" {
			if detail, err = parseFloat("detail", q.Get("detail")); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		lod = a.mapper.LODForDetail(detail)
	}

	f, err := a.svc.Request(r.Context(), model.LatLng{Lat: lat, Lng: lng}, lod, prio)
	a.serveFuture(w, r, f, err)
}

func (a *API) serveFuture(w http.ResponseWriter, r *http.Request, f *loader.Future[*model.ElevationTile], err error) {
	if err != nil {
		a.writeLoadError(w, r, err)
		return
	}
	tile, err := f.Wait(r.Context())
	if err != nil {
		a.writeLoadError(w, r, err)
		return
	}
	writeTile(w, r, tile, f.FromCache())
}

func writeTile(w http.ResponseWriter, r *http.Request, t *model.ElevationTile, hit bool) {
	etag := `"` + keys.Fingerprint(t.Data) + `"`
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("X-Tile-Address", t.Address.Key())
	h.Set("X-Tile-Bounds", t.Bounds.String())
	if hit {
		h.Set("X-Cache", "hit")
	} else {
		h.Set("X-Cache", "miss")
	}
	if v := t.Features["elevation_min"]; v != "" {
		h.Set("X-Elevation-Min", v)
	}
	if v := t.Features["elevation_max"]; v != "" {
		h.Set("X-Elevation-Max", v)
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	ct := t.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	h.Set("Content-Length", strconv.Itoa(len(t.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(t.Data)
}

// StatusFor maps load errors onto HTTP status codes.
func StatusFor(err error) int {
	var perr *loader.ProviderError
	switch {
	case errors.Is(err, slippy.ErrCoordinate), errors.Is(err, scheduler.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, loader.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, loader.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, httptile.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeLoadError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// client went away; the load itself keeps running
		return
	}
	code := StatusFor(err)
	if code >= 500 {
		a.logger.WarnContext(r.Context(), "tile request failed", "path", r.URL.Path, "status", code, "err", err)
	}
	writeError(w, code, err)
}

type viewportRequest struct {
	Visible []model.TileAddress `json:"visible"`
	Bounds  *model.Bounds       `json:"bounds,omitempty"`
	Center  *model.LatLng       `json:"center,omitempty"`
	Detail  float64             `json:"detail"`
}

type viewportResponse struct {
	LOD       int `json:"lod"`
	Visible   int `json:"visible"`
	Requested int `json:"requested"`
	Cancelled int `json:"cancelled"`
	Preloaded int `json:"preloaded"`
}

// handleViewport applies a viewport change: loads outside the new view are
// cancelled, visible tiles are requested at high priority and the ring
// around the center is preloaded.
func (a *API) handleViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode viewport: %w", err))
		return
	}

	resp := viewportResponse{LOD: a.mapper.LODForDetail(req.Detail)}
	visible := req.Visible
	if len(visible) == 0 && req.Bounds != nil {
		tiles, err := a.mapper.TilesForBounds(*req.Bounds, resp.LOD)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		visible = tiles
	}
	if len(visible) > a.maxViewportTiles {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%d visible tiles exceed limit %d", len(visible), a.maxViewportTiles))
		return
	}
	for _, t := range visible {
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("tile %s: %w", t.Key(), slippy.ErrLODOutOfRange))
			return
		}
	}
	resp.Visible = len(visible)
	resp.Cancelled = a.svc.CancelNonVisible(visible)

	// futures are dropped here; clients fetch payloads through /tiles
	for _, t := range visible {
		if _, err := a.svc.RequestTile(r.Context(), t, model.PriorityHigh); err != nil {
			a.writeLoadError(w, r, err)
			return
		}
		resp.Requested++
	}

	if req.Center != nil {
		n, err := a.svc.PreloadAround(*req.Center, req.Detail)
		if err != nil {
			a.writeLoadError(w, r, err)
			return
		}
		resp.Preloaded = n
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	loader.Stats
	HitRatio float64 `json:"hit_ratio"`
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := a.svc.Stats()
	writeJSON(w, http.StatusOK, statsResponse{Stats: st, HitRatio: st.Metrics.HitRatio()})
}

func parseAddress(lod, x, y string) (model.TileAddress, error) {
	var nums [3]int
	for i, s := range []string{lod, x, y} {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return model.TileAddress{}, fmt.Errorf("tile path %s/%s/%s: %w", lod, x, y, err)
		}
		nums[i] = n
	}
	a := model.TileAddress{LOD: nums[0], X: nums[1], Y: nums[2]}
	if !a.Valid() {
		return model.TileAddress{}, fmt.Errorf("tile %s: %w", a.Key(), slippy.ErrLODOutOfRange)
	}
	return a, nil
}

func parseFloat(name, v string) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return 0, fmt.Errorf("missing required parameter: %s", name)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
