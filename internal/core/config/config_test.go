package config

import (
	"errors"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func parseWith(t *testing.T, kv map[string]string) (Config, error) {
	t.Helper()
	return Parse(env.Options{Environment: kv})
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := parseWith(t, map[string]string{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	l := cfg.Loader
	if l.CacheDuration != 30*time.Minute || l.MaxCacheSize != 500 || l.ConcurrencyLimit != 4 {
		t.Fatalf("unexpected loader defaults: %+v", l)
	}
	if l.BaseLOD != 8 || l.MaxLOD != 14 || l.PreloadRadius != 2 || l.ReducedFidelity {
		t.Fatalf("unexpected lod defaults: %+v", l)
	}
	if cfg.Addr != ":8090" || cfg.Metrics.Path != "/metrics" || cfg.Layer != "terrain" {
		t.Fatalf("unexpected ambient defaults: %+v", cfg)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Fatalf("brokers=%v", cfg.Kafka.Brokers)
	}
	if cfg.Redis.AdmitScore != 0 || cfg.Redis.HotnessHalfLife != 5*time.Minute || cfg.Upstream.Encoding != "terrarium" {
		t.Fatalf("unexpected redis/upstream defaults: %+v %+v", cfg.Redis, cfg.Upstream)
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := parseWith(t, map[string]string{
		"CACHE_DURATION":       "90s",
		"MAX_CACHE_SIZE":       "64",
		"BASE_LOD":             "5",
		"MIN_LOD":              "3",
		"MAX_LOD":              "12",
		"REDUCED_FIDELITY":     "true",
		"KAFKA_BROKERS":        "k1:9092,k2:9092",
		"LOG_LEVEL":            "debug",
		"REDIS_ADDR":           "localhost:6379",
		"INVALIDATION_ENABLED": "true",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Loader.CacheDuration != 90*time.Second || cfg.Loader.MaxCacheSize != 64 || !cfg.Loader.ReducedFidelity {
		t.Fatalf("overrides not applied: %+v", cfg.Loader)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers=%v", cfg.Kafka.Brokers)
	}
	if !cfg.Invalidation.Enabled || cfg.Redis.Addr != "localhost:6379" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected: %+v", cfg)
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"zero cache size":    {"MAX_CACHE_SIZE": "0"},
		"min above max":      {"MIN_LOD": "10", "MAX_LOD": "9", "BASE_LOD": "9"},
		"base outside range": {"BASE_LOD": "20", "MAX_LOD": "14"},
		"bad log level":      {"LOG_LEVEL": "loud"},
		"template without z": {"UPSTREAM_URL_TEMPLATE": "https://x/{x}/{y}.png"},
		"sample ratio > 1":   {"OTEL_SAMPLE_RATIO": "1.5"},
		"negative radius":    {"PRELOAD_RADIUS": "-1"},
		"hot sample > 1":     {"REDIS_HOT_LOG_SAMPLE": "2"},
		"unknown encoding":   {"UPSTREAM_ENCODING": "lerc"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseWith(t, kv)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err=%v want ErrInvalid", err)
			}
		})
	}
}

func TestParse_MalformedValueIsParseError(t *testing.T) {
	_, err := parseWith(t, map[string]string{"CACHE_DURATION": "soon"})
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("want parse error, got %v", err)
	}
}
