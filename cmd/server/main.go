package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/dunamismax/pixelserve/internal/allowlist"
	"github.com/dunamismax/pixelserve/internal/api"
	"github.com/dunamismax/pixelserve/internal/config"
	"github.com/dunamismax/pixelserve/internal/origin"
	"github.com/dunamismax/pixelserve/internal/pipeline"
	"github.com/dunamismax/pixelserve/internal/queue"
	"github.com/dunamismax/pixelserve/internal/ratelimit"
	"github.com/dunamismax/pixelserve/internal/storage"
	"github.com/dunamismax/pixelserve/internal/store"
	"github.com/dunamismax/pixelserve/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmsgprefix)

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelserve-server",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	cancel()
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	sourceStore, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.SourceBucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("source storage init failed: %v", err)
	}

	var cacheStore pipeline.CacheWriter
	if cfg.Storage.CacheBucket != "" {
		cacheClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.CacheBucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("cache storage init failed: %v", err)
		}
		ensureCtx, ensureCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := cacheClient.EnsureBucket(ensureCtx); err != nil {
			logger.Printf("cache bucket check failed: %v", err)
		}
		ensureCancel()
		cacheStore = cacheClient
	} else {
		logger.Printf("variant caching disabled: no cache bucket configured")
	}

	resolver := origin.NewResolver(
		logger,
		sourceStore,
		allowlist.New(cfg.Delivery.RemoteHosts),
		allowlist.New(cfg.Delivery.RefererHosts),
		time.Duration(cfg.Delivery.FetchTimeoutSec)*time.Second,
	)

	service, err := pipeline.NewService(logger, resolver, cacheStore, cfg.Delivery.CacheControl, cfg.Delivery.MaxOutputBytes)
	if err != nil {
		logger.Fatalf("pipeline init failed: %v", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	var usageStore store.UsageStore
	if cfg.Database.DSN != "" {
		dbCtx, dbCancel := context.WithTimeout(context.Background(), 15*time.Second)
		pgStore, err := store.NewPostgresUsageStore(dbCtx, cfg.Database.DSN)
		dbCancel()
		if err != nil {
			logger.Fatalf("postgres usage store init failed: %v", err)
		}
		defer pgStore.Close()
		usageStore = pgStore
	} else {
		usageStore = store.NewMemoryUsageStore()
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err = ratelimit.NewRedisTokenBucket(
			redisClient,
			cfg.RateLimit.Capacity,
			time.Duration(cfg.RateLimit.WindowSec)*time.Second,
			"",
		)
		if err != nil {
			logger.Fatalf("rate limiter init failed: %v", err)
		}
	}

	app := api.NewServer(logger, service, api.Options{
		QueueClient: queueClient,
		UsageStore:  usageStore,
		RateLimiter: limiter,
		Tracer:      otel.Tracer("pixelserve/server"),
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
