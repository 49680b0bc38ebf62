package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time copy of the loader counters.
type Snapshot struct {
	TotalLoaded     uint64 `json:"total_loaded"`
	CacheHits       uint64 `json:"cache_hits"`
	CacheMisses     uint64 `json:"cache_misses"`
	TotalDataVolume uint64 `json:"total_data_volume"`
	AbortedLoads    uint64 `json:"aborted_loads"`
	FailedLoads     uint64 `json:"failed_loads"`
}

// HitRatio is hits/(hits+misses), 0 when nothing was read yet.
func (s Snapshot) HitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Collector holds additive load counters. All fields move under one lock
// so Snapshot never mixes values from different moments.
type Collector struct {
	mu sync.Mutex
	s  Snapshot

	loadedDesc  *prometheus.Desc
	hitsDesc    *prometheus.Desc
	missesDesc  *prometheus.Desc
	volumeDesc  *prometheus.Desc
	abortedDesc *prometheus.Desc
	failedDesc  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector() *Collector {
	return &Collector{
		loadedDesc:  prometheus.NewDesc("tileloader_loads_completed_total", "Tiles loaded from the data provider and cached.", nil, nil),
		hitsDesc:    prometheus.NewDesc("tileloader_cache_hits_total", "Tile requests answered from the in-memory cache.", nil, nil),
		missesDesc:  prometheus.NewDesc("tileloader_cache_misses_total", "Tile requests that missed the in-memory cache.", nil, nil),
		volumeDesc:  prometheus.NewDesc("tileloader_data_volume_bytes_total", "Approximate payload bytes loaded from the data provider.", nil, nil),
		abortedDesc: prometheus.NewDesc("tileloader_loads_aborted_total", "Loads cancelled by visibility sweeps, timeouts or shutdown.", nil, nil),
		failedDesc:  prometheus.NewDesc("tileloader_loads_failed_total", "Loads that failed with a provider error.", nil, nil),
	}
}

func (c *Collector) RecordHit() {
	c.mu.Lock()
	c.s.CacheHits++
	c.mu.Unlock()
}

func (c *Collector) RecordMiss() {
	c.mu.Lock()
	c.s.CacheMisses++
	c.mu.Unlock()
}

func (c *Collector) RecordLoaded(bytesEstimate int) {
	c.mu.Lock()
	c.s.TotalLoaded++
	if bytesEstimate > 0 {
		c.s.TotalDataVolume += uint64(bytesEstimate)
	}
	c.mu.Unlock()
}

func (c *Collector) RecordAborted() {
	c.mu.Lock()
	c.s.AbortedLoads++
	c.mu.Unlock()
}

func (c *Collector) RecordFailed() {
	c.mu.Lock()
	c.s.FailedLoads++
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.loadedDesc
	ch <- c.hitsDesc
	ch <- c.missesDesc
	ch <- c.volumeDesc
	ch <- c.abortedDesc
	ch <- c.failedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.loadedDesc, prometheus.CounterValue, float64(s.TotalLoaded))
	ch <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue, float64(s.CacheMisses))
	ch <- prometheus.MustNewConstMetric(c.volumeDesc, prometheus.CounterValue, float64(s.TotalDataVolume))
	ch <- prometheus.MustNewConstMetric(c.abortedDesc, prometheus.CounterValue, float64(s.AbortedLoads))
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(s.FailedLoads))
}
