// Package config loads the tile loader configuration from the environment
// (optionally seeded from a .env file) and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Addr            string        `env:"ADDR" envDefault:":8090" validate:"required"`
		Layer           string        `env:"LAYER" envDefault:"terrain" validate:"required,max=64"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`

		Log          Log          `envPrefix:"LOG_"`
		Loader       Loader
		Upstream     Upstream     `envPrefix:"UPSTREAM_"`
		Redis        Redis        `envPrefix:"REDIS_"`
		Kafka        Kafka        `envPrefix:"KAFKA_"`
		Invalidation Invalidation `envPrefix:"INVALIDATION_"`
		LoadEvents   LoadEvents   `envPrefix:"LOAD_EVENTS_"`
		Metrics      Metrics      `envPrefix:"METRICS_"`
		OTel         OTel         `envPrefix:"OTEL_"`
	}

	Log struct {
		Level   string `env:"LEVEL" envDefault:"info" validate:"oneof=trace debug info warn warning error disabled off"`
		Console bool   `env:"CONSOLE" envDefault:"false"`
		SampleN int    `env:"SAMPLE_N" envDefault:"0" validate:"gte=0"`
	}

	// Loader holds the tuning options of the load controller and its cache.
	Loader struct {
		CacheDuration    time.Duration `env:"CACHE_DURATION" envDefault:"30m" validate:"gte=0"`
		MaxCacheSize     int           `env:"MAX_CACHE_SIZE" envDefault:"500" validate:"gte=1"`
		BaseLOD          int           `env:"BASE_LOD" envDefault:"8" validate:"gte=0,lte=30"`
		MinLOD           int           `env:"MIN_LOD" envDefault:"0" validate:"gte=0,lte=30"`
		MaxLOD           int           `env:"MAX_LOD" envDefault:"14" validate:"gte=0,lte=30"`
		PreloadRadius    int           `env:"PRELOAD_RADIUS" envDefault:"2" validate:"gte=0,lte=16"`
		PreloadMemory    int           `env:"PRELOAD_MEMORY" envDefault:"1024" validate:"gte=0"`
		ConcurrencyLimit int           `env:"CONCURRENCY_LIMIT" envDefault:"4" validate:"gte=1,lte=256"`
		ReducedFidelity  bool          `env:"REDUCED_FIDELITY" envDefault:"false"`
		LoadTimeout      time.Duration `env:"LOAD_TIMEOUT" envDefault:"15s" validate:"gte=0"`
	}

	Upstream struct {
		URLTemplate string        `env:"URL_TEMPLATE" envDefault:"https://s3.amazonaws.com/elevation-tiles-prod/terrarium/{z}/{x}/{y}.png" validate:"required,contains={z},contains={x},contains={y}"`
		UserAgent   string        `env:"USER_AGENT" envDefault:"terrain-tile-loader/1.0"`
		Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s" validate:"gt=0"`
		Encoding    string        `env:"ENCODING" envDefault:"terrarium" validate:"omitempty,oneof=terrarium mapbox"`
		MaxBytes    int64         `env:"MAX_BYTES" envDefault:"4194304" validate:"gt=0"`
	}

	Redis struct {
		Addr      string        `env:"ADDR"`
		TTL       time.Duration `env:"TTL" envDefault:"1h" validate:"gte=0"`
		OpTimeout time.Duration `env:"OP_TIMEOUT" envDefault:"250ms" validate:"gt=0"`

		// AdmitScore > 0 writes a tile back only once its decayed request
		// score reaches it.
		AdmitScore      float64       `env:"ADMIT_SCORE" envDefault:"0" validate:"gte=0"`
		HotnessHalfLife time.Duration `env:"HOTNESS_HALF_LIFE" envDefault:"5m" validate:"gt=0"`
		HotLogThreshold float64       `env:"HOT_LOG_THRESHOLD" envDefault:"0" validate:"gte=0"`
		HotLogSample    float64       `env:"HOT_LOG_SAMPLE" envDefault:"0.01" validate:"gte=0,lte=1"`
	}

	Kafka struct {
		Brokers           []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
		InvalidationTopic string   `env:"INVALIDATION_TOPIC" envDefault:"tile-invalidation"`
		GroupID           string   `env:"GROUP_ID" envDefault:"tile-loader"`
		LoadEventsTopic   string   `env:"LOAD_EVENTS_TOPIC" envDefault:"tile-load-events"`
	}

	Invalidation struct {
		Enabled   bool `env:"ENABLED" envDefault:"false"`
		DedupSize int  `env:"DEDUP_SIZE" envDefault:"1024" validate:"gte=1"`
	}

	LoadEvents struct {
		Enabled   bool `env:"ENABLED" envDefault:"false"`
		QueueSize int  `env:"QUEUE_SIZE" envDefault:"1024" validate:"gte=1"`
	}

	Metrics struct {
		Enabled bool   `env:"ENABLED" envDefault:"true"`
		Addr    string `env:"ADDR" envDefault:":9090"`
		Path    string `env:"PATH" envDefault:"/metrics" validate:"startswith=/"`
	}

	OTel struct {
		Enabled     bool    `env:"ENABLED" envDefault:"false"`
		Endpoint    string  `env:"EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
		Insecure    bool    `env:"EXPORTER_OTLP_INSECURE" envDefault:"true"`
		ServiceName string  `env:"SERVICE_NAME" envDefault:"terrain-tile-loader"`
		SampleRatio float64 `env:"SAMPLE_RATIO" envDefault:"1" validate:"gte=0,lte=1"`
	}
)

var ErrInvalid = errors.New("config: invalid")

// FromEnv reads an optional .env file, then the process environment.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse(env.Options{})
}

// Parse decodes and validates with the given env options; tests pass
// Environment to avoid touching the process environment.
func Parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	l := c.Loader
	if l.MinLOD > l.MaxLOD {
		return fmt.Errorf("%w: MIN_LOD %d > MAX_LOD %d", ErrInvalid, l.MinLOD, l.MaxLOD)
	}
	if l.BaseLOD < l.MinLOD || l.BaseLOD > l.MaxLOD {
		return fmt.Errorf("%w: BASE_LOD %d outside [%d,%d]", ErrInvalid, l.BaseLOD, l.MinLOD, l.MaxLOD)
	}
	if c.Invalidation.Enabled || c.LoadEvents.Enabled {
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "" {
			return fmt.Errorf("%w: KAFKA_BROKERS required when kafka features are enabled", ErrInvalid)
		}
	}
	return nil
}
