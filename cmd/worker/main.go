package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/pixelserve/internal/allowlist"
	"github.com/dunamismax/pixelserve/internal/config"
	"github.com/dunamismax/pixelserve/internal/origin"
	"github.com/dunamismax/pixelserve/internal/pipeline"
	"github.com/dunamismax/pixelserve/internal/storage"
	"github.com/dunamismax/pixelserve/internal/store"
	"github.com/dunamismax/pixelserve/internal/telemetry"
	"github.com/dunamismax/pixelserve/internal/webhook"
	"github.com/dunamismax/pixelserve/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	traceCtx, traceCancel := context.WithTimeout(context.Background(), 30*time.Second)
	shutdownTracing, err := telemetry.SetupTracing(traceCtx, telemetry.TraceConfig{
		ServiceName:  "pixelserve-worker",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	traceCancel()
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
		logger.Printf("prewarming without a cache bucket marks every path failed")
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

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, service, webhookClient, usageStore)
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", srv.MetricsHandler())
		logger.Printf("worker metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, metricsMux); err != nil && err != http.ErrServerClosed {
			logger.Printf("worker metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_tasks=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}
