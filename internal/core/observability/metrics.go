// Package observability owns the process-wide Prometheus series of the tile
// loader. Series are created eagerly and attached to a registry by Init;
// observing before Init is safe and simply not exported.
package observability

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultLayer = "terrain"

var layerLabel atomic.Value

func init() {
	layerLabel.Store(defaultLayer)
}

// SetLayer sets the layer label stamped on layer-scoped series.
func SetLayer(s string) {
	if s == "" {
		s = defaultLayer
	}
	layerLabel.Store(s)
}

func getLayer() string {
	if v := layerLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultLayer
}

var (
	enabled atomic.Bool
	initMu  sync.Mutex
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status", "layer"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status", "layer"},
	)

	providerFetchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_provider_fetch_seconds",
			Help:    "Latency of data provider fetches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 14),
		},
		[]string{"provider", "outcome", "layer"},
	)

	loadOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_load_outcomes_total",
			Help: "Settled tile requests by outcome and priority.",
		},
		[]string{"outcome", "priority", "layer"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tile_scheduler_queue_depth",
			Help: "Requests waiting in the scheduler by priority tier.",
		},
		[]string{"priority", "layer"},
	)

	inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tile_inflight_loads",
			Help: "Loads currently dispatched to the data provider.",
		},
		[]string{"layer"},
	)

	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_evictions_total",
			Help: "Entries removed by batch eviction.",
		},
		[]string{"layer"},
	)

	cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tile_cache_entries",
			Help: "Resident entries in the in-memory tile cache.",
		},
		[]string{"layer"},
	)

	redisOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis tier operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "result"},
	)

	redisTierResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_redis_tier_results_total",
			Help: "Redis tier lookups by outcome.",
		},
		[]string{"result", "layer"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_invalidations_total",
			Help: "Applied invalidation events by op and result.",
		},
		[]string{"op", "result", "layer"},
	)

	invalidatedTiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_invalidated_tiles_total",
			Help: "Tiles dropped from the cache by invalidation events.",
		},
		[]string{"layer"},
	)

	invalidationLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tile_invalidation_lag_seconds",
			Help: "Seconds between event timestamp and apply time of the last invalidation.",
		},
	)

	kafkaConsumerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer errors by kind.",
		},
		[]string{"kind", "layer"},
	)

	hotKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tile_hot_keys",
			Help: "Tile keys tracked by the hotness model.",
		},
		[]string{"layer"},
	)

	loadEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_load_events_dropped_total",
			Help: "Load events dropped because the producer queue was full.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileloader_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		providerFetchSeconds, loadOutcomes, queueDepth, inFlight,
		cacheEvictions, cacheEntries,
		redisOpSeconds, redisTierResults,
		invalidationsTotal, invalidatedTiles, invalidationLagSeconds,
		kafkaConsumerErrors, hotKeys, loadEventsDropped, buildInfo,
	}
}

// Init attaches every series to reg (the default registerer when nil).
// Calling it again with the same registry is a no-op.
func Init(reg prometheus.Registerer, on bool) {
	initMu.Lock()
	defer initMu.Unlock()

	enabled.Store(on)
	if !on {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

// Enabled reports whether Init was called with metrics switched on.
func Enabled() bool { return enabled.Load() }

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	l := getLayer()
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st, l).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st, l).Observe(durationSeconds)
}

func ObserveProviderFetch(provider, outcome string, durationSeconds float64) {
	providerFetchSeconds.WithLabelValues(provider, outcome, getLayer()).Observe(durationSeconds)
}

func IncLoadOutcome(outcome, priority string) {
	loadOutcomes.WithLabelValues(outcome, priority, getLayer()).Inc()
}

func SetQueueDepth(priority string, n int) {
	queueDepth.WithLabelValues(priority, getLayer()).Set(float64(n))
}

func SetInFlight(n int) {
	inFlight.WithLabelValues(getLayer()).Set(float64(n))
}

func AddCacheEvictions(n int) {
	if n <= 0 {
		return
	}
	cacheEvictions.WithLabelValues(getLayer()).Add(float64(n))
}

func SetCacheEntries(n int) {
	cacheEntries.WithLabelValues(getLayer()).Set(float64(n))
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	redisOpSeconds.WithLabelValues(op, res).Observe(durationSeconds)
}

// IncRedisTier counts a Redis tier outcome: hit, miss, error, skipped or
// writeback_error.
func IncRedisTier(result string) {
	redisTierResults.WithLabelValues(result, getLayer()).Inc()
}

func ObserveInvalidation(op string, tiles int, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	l := getLayer()
	invalidationsTotal.WithLabelValues(op, res, l).Inc()
	if tiles > 0 {
		invalidatedTiles.WithLabelValues(l).Add(float64(tiles))
	}
}

func SetInvalidationLagSeconds(sec float64) {
	if sec < 0 {
		sec = 0
	}
	invalidationLagSeconds.Set(sec)
}

func IncKafkaConsumerError(kind string) {
	kafkaConsumerErrors.WithLabelValues(kind, getLayer()).Inc()
}

func SetHotKeys(n int) {
	hotKeys.WithLabelValues(getLayer()).Set(float64(n))
}

func IncLoadEventsDropped() {
	loadEventsDropped.Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
