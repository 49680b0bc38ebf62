package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/invalidation"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
)

type Config struct {
	TargetURL       string
	Layer           string
	Concurrency     int
	Duration        time.Duration
	Detail          float64
	ViewDegrees     float64
	PanStep         float64
	ZoomEvery       int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
	Brokers         string
	Topic           string
	InvalidateEvery time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090", "Tile loader base URL")
	flag.StringVar(&cfg.Layer, "layer", "terrain", "Layer name stamped on invalidation events")
	flag.IntVar(&cfg.Concurrency, "concurrency", 8, "Concurrent simulated viewers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.Detail, "detail", 10, "Initial detail level sent with each viewport")
	flag.Float64Var(&cfg.ViewDegrees, "view", 0.2, "Viewport width/height in degrees")
	flag.Float64Var(&cfg.PanStep, "pan", 0.25, "Pan step as a fraction of the viewport")
	flag.IntVar(&cfg.ZoomEvery, "zoom-every", 20, "Change detail every N viewport updates (0 disables)")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/pan", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 20*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.StringVar(&cfg.Brokers, "brokers", "", "Kafka brokers; enables invalidation events when set")
	flag.StringVar(&cfg.Topic, "topic", "tile-invalidation", "Invalidation topic")
	flag.DurationVar(&cfg.InvalidateEvery, "invalidate-every", 5*time.Second, "Interval between invalidation events")
	flag.Parse()
	return cfg
}

var centers = []model.LatLng{
	{Lat: 46.5580, Lng: 7.8350},  // Jungfrau
	{Lat: 45.8326, Lng: 6.8652},  // Mont Blanc
	{Lat: 47.3769, Lng: 8.5417},  // Zurich
	{Lat: 61.6364, Lng: 8.3122},  // Galdhopiggen
	{Lat: 27.9881, Lng: 86.9250}, // Everest
}

// viewer pans a viewport in a random walk and changes detail now and then.
type viewer struct {
	r      *rand.Rand
	center model.LatLng
	detail float64
	dir    float64
	steps  int
}

func (v *viewer) next(cfg Config) (model.Bounds, model.LatLng, float64) {
	v.steps++
	v.dir += (v.r.Float64() - 0.5) * math.Pi / 4
	step := cfg.ViewDegrees * cfg.PanStep
	v.center.Lat = slippy.ClampLatitude(v.center.Lat + step*math.Sin(v.dir))
	v.center.Lng += step * math.Cos(v.dir)
	if v.center.Lng > 180 {
		v.center.Lng -= 360
	} else if v.center.Lng < -180 {
		v.center.Lng += 360
	}
	if cfg.ZoomEvery > 0 && v.steps%cfg.ZoomEvery == 0 {
		v.detail = math.Max(0, math.Min(20, v.detail+float64(v.r.Intn(5)-2)))
	}
	h := cfg.ViewDegrees / 2
	b := model.Bounds{
		West:  math.Max(-180, v.center.Lng-h),
		South: slippy.ClampLatitude(v.center.Lat - h),
		East:  math.Min(180, v.center.Lng+h),
		North: slippy.ClampLatitude(v.center.Lat + h),
	}
	return b, v.center, v.detail
}

type viewportBody struct {
	Bounds model.Bounds `json:"bounds"`
	Center model.LatLng `json:"center"`
	Detail float64      `json:"detail"`
}

type viewportReply struct {
	LOD       int `json:"lod"`
	Visible   int `json:"visible"`
	Cancelled int `json:"cancelled"`
	Preloaded int `json:"preloaded"`
}

// request result (one sample per request)
type sample struct {
	Timestamp time.Time
	Kind      string
	Latency   time.Duration
	Status    int
	Cache     string
	ErrorMsg  string
	Tile      string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	Viewports     int64     `json:"viewports"`
	TileHits      int64     `json:"tile_hits"`
	TileMisses    int64     `json:"tile_misses"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	Invalidations int64     `json:"invalidations"`
	TargetURL     string    `json:"target"`
}

type aggregatedResult struct {
	total, success, errors int64
	viewports, hits, miss  int64
	latMs                  []float64
}

func main() {
	cfg := loadConfig()
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}
	base := strings.TrimRight(cfg.TargetURL, "/")

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "kind", "latency_ms", "status", "cache", "error", "tile"})
		var agg aggregatedResult
		agg.latMs = make([]float64, 0, 1<<16)
		for s := range samplesChan {
			agg.total++
			if s.ErrorMsg == "" {
				agg.success++
				agg.latMs = append(agg.latMs, float64(s.Latency.Microseconds())/1000.0)
			} else {
				agg.errors++
			}
			switch {
			case s.Kind == "viewport":
				agg.viewports++
			case s.Cache == "hit":
				agg.hits++
			case s.Cache == "miss":
				agg.miss++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				s.Kind,
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				strconv.Itoa(s.Status),
				s.Cache,
				s.ErrorMsg,
				s.Tile,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	var invalidations int64
	var invWG sync.WaitGroup
	if cfg.Brokers != "" {
		invWG.Add(1)
		go func() {
			defer invWG.Done()
			n, err := publishInvalidations(ctx, cfg)
			if err != nil {
				log.Printf("invalidation producer: %v", err)
			}
			invalidations = n
		}()
	}

	startTime := time.Now()
	seed := startTime.UnixNano()
	log.Printf("loadgen start target=%s dur=%s conc=%d detail=%.1f view=%.3f",
		base, cfg.Duration, cfg.Concurrency, cfg.Detail, cfg.ViewDegrees)

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			v := &viewer{r: r, center: centers[id%len(centers)], detail: cfg.Detail, dir: r.Float64() * 2 * math.Pi}
			emit := func(s sample) bool {
				select {
				case samplesChan <- s:
					return true
				case <-ctx.Done():
					return false
				}
			}
			for ctx.Err() == nil {
				b, c, detail := v.next(cfg)
				reply, s := postViewport(ctx, httpClient, base, viewportBody{Bounds: b, Center: c, Detail: detail})
				if !emit(s) || s.ErrorMsg != "" {
					continue
				}
				tiles, err := slippy.TilesForBounds(b, reply.LOD)
				if err != nil {
					continue
				}
				for _, t := range tiles {
					if !emit(getTile(ctx, httpClient, base, t)) {
						return
					}
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	invWG.Wait()
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	run := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		Viewports:     agg.viewports,
		TileHits:      agg.hits,
		TileMisses:    agg.miss,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		Invalidations: invalidations,
		TargetURL:     base,
	}

	if jsonFile, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(run)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d succ=%d err=%d viewports=%d hits=%d misses=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		run.TotalRequests, run.SuccessCount, run.ErrorCount, run.Viewports, run.TileHits, run.TileMisses,
		run.ThroughputRPS, run.P50Ms, run.P95Ms, run.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func postViewport(ctx context.Context, c *http.Client, base string, body viewportBody) (viewportReply, sample) {
	var reply viewportReply
	s := sample{Timestamp: time.Now(), Kind: "viewport"}
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/viewport", bytes.NewReader(payload))
	if err != nil {
		s.ErrorMsg = err.Error()
		return reply, s
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return reply, s
	}
	defer func() { _ = resp.Body.Close() }()
	s.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.ErrorMsg = fmt.Sprintf("status=%d %s", resp.StatusCode, strings.TrimSpace(string(b)))
		return reply, s
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		s.ErrorMsg = "decode: " + err.Error()
	}
	return reply, s
}

func getTile(ctx context.Context, c *http.Client, base string, t model.TileAddress) sample {
	s := sample{Timestamp: time.Now(), Kind: "tile", Tile: t.Key()}
	u := fmt.Sprintf("%s/tiles/%d/%d/%d", base, t.LOD, t.X, t.Y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	resp, err := c.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	s.Cache = resp.Header.Get("X-Cache")
	// 409 means a later viewport cancelled the load; not an error for a panning client
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}

// publishInvalidations sends bbox invalidations around the pan centers
// until ctx is done.
func publishInvalidations(ctx context.Context, cfg Config) (int64, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	prod, err := sarama.NewSyncProducer(strings.Split(cfg.Brokers, ","), sc)
	if err != nil {
		return 0, fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	t := time.NewTicker(cfg.InvalidateEvery)
	defer t.Stop()
	// seq is based on wall time so restarts keep increasing past what the
	// consumers already applied
	base := uint64(time.Now().UnixMilli())
	var sent int64
	for {
		select {
		case <-ctx.Done():
			return sent, nil
		case <-t.C:
		}
		c := centers[sent%int64(len(centers))]
		sent++
		seq := base + uint64(sent)
		ev := invalidation.Event{
			Version: 1,
			Op:      invalidation.OpBBox,
			Layer:   cfg.Layer,
			TS:      time.Now().UTC(),
			Seq:     seq,
			BBox: &invalidation.BBox{
				X1: c.Lng - 0.05, Y1: c.Lat - 0.05,
				X2: c.Lng + 0.05, Y2: c.Lat + 0.05,
				SRID: "EPSG:4326",
			},
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return sent, err
		}
		if _, _, err := prod.SendMessage(&sarama.ProducerMessage{
			Topic: cfg.Topic,
			Key:   sarama.StringEncoder(cfg.Layer),
			Value: sarama.ByteEncoder(b),
		}); err != nil {
			return sent, fmt.Errorf("send: %w", err)
		}
	}
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
