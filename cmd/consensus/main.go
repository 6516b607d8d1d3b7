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

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/couchcryptid/quake-consensus-service/internal/adapter/feed"
	httpadapter "github.com/couchcryptid/quake-consensus-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/quake-consensus-service/internal/adapter/kafka"
	"github.com/couchcryptid/quake-consensus-service/internal/adapter/mapbox"
	natsadapter "github.com/couchcryptid/quake-consensus-service/internal/adapter/nats"
	redisadapter "github.com/couchcryptid/quake-consensus-service/internal/adapter/redis"
	"github.com/couchcryptid/quake-consensus-service/internal/cache"
	"github.com/couchcryptid/quake-consensus-service/internal/config"
	"github.com/couchcryptid/quake-consensus-service/internal/consensus"
	"github.com/couchcryptid/quake-consensus-service/internal/engine"
	"github.com/couchcryptid/quake-consensus-service/internal/events"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
	"github.com/couchcryptid/quake-consensus-service/internal/registry"
	"github.com/couchcryptid/quake-consensus-service/internal/reliability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	reg := registry.New(clock, logger, cfg.ProbeTimeout)
	if err := reg.Register(cfg.Sources); err != nil {
		logger.Error("failed to register sources", "error", err)
		os.Exit(1)
	}

	client := feed.NewClient(cfg.ProxyBaseURL, cfg.FetchTimeout, cfg.ProbeTimeout, clock, metrics, logger)
	store := cache.NewStore(clock, cfg.CacheTTL)
	fetcher := cache.NewFetcher(client, store, clock, metrics, logger)

	// Reliability state survives restarts only when Redis is configured.
	var scoreStore reliability.Store
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		rs := redisadapter.NewStore(rdb, redisadapter.DefaultKey)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, reliability kept in memory", "addr", cfg.RedisAddr, "error", err)
		} else {
			scoreStore = rs
			logger.Info("reliability persistence enabled", "addr", cfg.RedisAddr)
		}
		cancel()
	}
	scorer := reliability.NewScorer(scoreStore, metrics, logger)

	var builderOpts []consensus.Option
	if cfg.MapboxEnabled {
		geo := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		builderOpts = append(builderOpts, consensus.WithPlaceResolver(mapbox.NewCachedResolver(geo, cfg.MapboxCacheSize, metrics)))
		logger.Info("mapbox place lookup enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox place lookup disabled")
	}
	builder := consensus.NewBuilder(logger, builderOpts...)

	bus := events.NewBus(logger)

	eng := engine.New(engine.Config{
		VerifyInterval:    cfg.VerifyInterval,
		ReprobeInterval:   cfg.ReprobeInterval,
		FetchTimeout:      cfg.FetchTimeout,
		HistorySize:       cfg.HistorySize,
		RequiredAgreement: cfg.RequiredAgreement,
	}, engine.Deps{
		Registry: reg,
		Prober:   client,
		Fetcher:  fetcher,
		Cache:    store,
		Scorer:   scorer,
		Builder:  builder,
		Bus:      bus,
		Clock:    clock,
		Metrics:  metrics,
		Logger:   logger,
	})

	var (
		writer *kafkaadapter.Writer
		reader *kafkaadapter.Reader
	)
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, metrics, logger)
		writer.Attach(bus)
		if cfg.KafkaLiveTopic != "" {
			reader = kafkaadapter.NewReader(cfg, eng, metrics, logger)
		}
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "live_topic", cfg.KafkaLiveTopic)
	}

	var notifier *natsadapter.Publisher
	if cfg.NATSURL != "" {
		notifier, err = natsadapter.Connect(cfg.NATSURL, metrics, logger)
		if err != nil {
			logger.Warn("nats unavailable, discrepancy notifications disabled", "error", err)
		} else {
			notifier.Attach(bus)
		}
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, eng, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if active := eng.Initialize(ctx); active == 0 {
		logger.Warn("no sources reachable at startup; cycles report no_sources until a reprobe succeeds")
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start error", "error", err)
		os.Exit(1)
	}

	if reader != nil {
		go func() {
			if err := reader.Run(ctx); err != nil {
				logger.Error("live feed error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	eng.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Error("nats close error", "error", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
