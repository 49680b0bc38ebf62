package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/cache/redisstore"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/config"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/health"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/httpclient"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/model"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/router"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/server"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/hotness/expdecay"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/invalidation"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/loader"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/loadevents"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/logger"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/mapper/slippy"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/metrics"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/provider/httptile"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/provider/redistier"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/provider/traced"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/telemetry"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
		SampleN:   cfg.Log.SampleN,
		Layer:     cfg.Layer,
		Component: "tileloader",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting tileloader",
		"addr", cfg.Addr,
		"version", Version,
		"layer", cfg.Layer,
		"upstream", cfg.Upstream.URLTemplate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		appLog.Error("tracing setup failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			appLog.Warn("tracing shutdown", "err", err)
		}
	}()

	mp := metrics.Init(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Build:   metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate},
	})
	observability.SetLayer(cfg.Layer)
	observability.Init(mp.Registerer(), cfg.Metrics.Enabled)
	observability.ExposeBuildInfo(Version)

	m := slippy.New(slippy.Config{
		BaseLOD:         cfg.Loader.BaseLOD,
		MinLOD:          cfg.Loader.MinLOD,
		MaxLOD:          cfg.Loader.MaxLOD,
		ReducedFidelity: cfg.Loader.ReducedFidelity,
	})

	up, err := httptile.New(httptile.Config{
		URLTemplate: cfg.Upstream.URLTemplate,
		Encoding:    cfg.Upstream.Encoding,
		MaxBytes:    cfg.Upstream.MaxBytes,
	}, httpclient.NewOutbound(httpclient.Options{
		Timeout:         cfg.Upstream.Timeout,
		MaxConnsPerHost: cfg.Loader.ConcurrencyLimit,
		UserAgent:       cfg.Upstream.UserAgent,
	}), &zl)
	if err != nil {
		appLog.Error("upstream setup failed", "err", err)
		return 1
	}
	var provider loader.Provider[*model.ElevationTile] = traced.Wrap[*model.ElevationTile]("http", up)

	ready := map[string]health.Check{}
	var targets invalidation.Chain

	if cfg.Redis.Addr != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rc, err := redisstore.New(rctx, cfg.Redis.Addr)
		cancel()
		if err != nil {
			appLog.Error("redis connect failed", "addr", cfg.Redis.Addr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()

		tcfg := redistier.Config{
			Layer:      cfg.Layer,
			Source:     cfg.Upstream.URLTemplate,
			TTL:        cfg.Redis.TTL,
			OpTimeout:  cfg.Redis.OpTimeout,
			AdmitScore: cfg.Redis.AdmitScore,
		}
		if cfg.Redis.AdmitScore > 0 || cfg.Redis.HotLogThreshold > 0 {
			hl := zl.With().Str("component", "hotness").Logger()
			tcfg.Hot = metricswrap.New(expdecay.New(cfg.Redis.HotnessHalfLife), metricswrap.Options{
				LogThreshold: cfg.Redis.HotLogThreshold,
				LogSample:    cfg.Redis.HotLogSample,
				Logger:       &hl,
			})
		}
		tier := redistier.New(tcfg, rc, provider, &zl)
		provider = traced.Wrap[*model.ElevationTile]("redis", tier)
		targets = append(targets, invalidation.Shared(tier, cfg.Loader.MinLOD, cfg.Loader.MaxLOD))
		ready["redis"] = rc.Ping
	}

	var publisher *loadevents.Publisher
	if cfg.LoadEvents.Enabled {
		publisher, err = loadevents.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.LoadEventsTopic, cfg.Layer, cfg.LoadEvents.QueueSize, &zl)
		if err != nil {
			appLog.Error("load events producer failed", "err", err)
			return 1
		}
	}

	opts := loader.Options[*model.ElevationTile]{Logger: &zl, Metrics: mp.Loads()}
	if publisher != nil {
		opts.Events = publisher
	}
	ctrl := loader.New(loader.Config{
		CacheDuration:    cfg.Loader.CacheDuration,
		MaxCacheSize:     cfg.Loader.MaxCacheSize,
		PreloadRadius:    cfg.Loader.PreloadRadius,
		PreloadMemory:    cfg.Loader.PreloadMemory,
		ConcurrencyLimit: cfg.Loader.ConcurrencyLimit,
		LoadTimeout:      cfg.Loader.LoadTimeout,
	}, m, provider, opts)
	targets = append(targets, invalidation.Memory(ctrl))
	ready["loader"] = func(context.Context) error {
		if ctrl.Stats().Closed {
			return loader.ErrClosed
		}
		return nil
	}

	var consumer *kafkaconsumer.Consumer
	if cfg.Invalidation.Enabled {
		consumer = kafkaconsumer.New(kafkaconsumer.Config{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.InvalidationTopic,
			GroupID:   cfg.Kafka.GroupID,
			Layer:     cfg.Layer,
			DedupSize: cfg.Invalidation.DedupSize,
		}, appLog.With("component", "kafka_consumer"), targets)
		if err := consumer.Start(ctx); err != nil {
			appLog.Error("invalidation consumer failed", "err", err)
			shutdown(appLog, ctrl, publisher, nil)
			return 1
		}
		ready["kafka"] = health.FromReporter(consumer)
	}

	routes := server.Routes{
		API:     router.New(ctrl, m, appLog),
		Ready:   ready,
		Tracing: cfg.OTel.Enabled,
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" || cfg.Metrics.Addr == cfg.Addr {
			routes.Metrics, routes.MetricsPath = mp.Handler(), mp.Path()
		} else {
			go serveMetrics(ctx, cfg, mp, appLog)
		}
	}

	code := 0
	if err := server.Run(ctx, cfg.Addr, cfg.ShutdownTimeout, appLog, server.NewHandler(appLog, routes)); err != nil {
		appLog.Error("server exited with error", "err", err)
		code = 1
	}
	shutdown(appLog, ctrl, publisher, consumer)
	appLog.Info("server stopped")
	return code
}

// shutdown stops intake first so no late event reaches a closed producer.
func shutdown(log *slog.Logger, ctrl *loader.Controller[*model.ElevationTile], pub *loadevents.Publisher, cons *kafkaconsumer.Consumer) {
	if cons != nil {
		cons.Stop()
	}
	if err := ctrl.Close(); err != nil {
		log.Warn("loader close", "err", err)
	}
	if pub != nil {
		if err := pub.Close(); err != nil {
			log.Warn("load events close", "err", err)
		}
	}
	st := ctrl.Metrics().Snapshot()
	log.Info("loader totals",
		"loaded", st.TotalLoaded,
		"hits", st.CacheHits,
		"misses", st.CacheMisses,
		"aborted", st.AbortedLoads,
		"failed", st.FailedLoads,
		"bytes", st.TotalDataVolume)
}

func serveMetrics(ctx context.Context, cfg config.Config, mp *metrics.Provider, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(mp.Path(), mp.Handler())
	log.Info("metrics listening", "addr", cfg.Metrics.Addr, "path", mp.Path())
	if err := server.Run(ctx, cfg.Metrics.Addr, 5*time.Second, log, mux); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("metrics server exited", "err", err)
	}
}
