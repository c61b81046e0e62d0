package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Delivery  DeliveryConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Database  DatabaseConfig
	Webhook   WebhookConfig
	Trace     TraceConfig
}

type ServerConfig struct {
	Addr string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// SourceBucket holds original assets. CacheBucket holds transformed
	// variants; leaving it empty disables caching and the redirect path
	// for oversized outputs.
	SourceBucket string
	CacheBucket  string
}

type DeliveryConfig struct {
	CacheControl    string
	MaxOutputBytes  int64
	RemoteHosts     []string
	RefererHosts    []string
	FetchTimeoutSec int
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type RateLimitConfig struct {
	Enabled   bool
	Capacity  int
	WindowSec int
}

type DatabaseConfig struct {
	DSN string
}

type WebhookConfig struct {
	SigningSecret string
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		Server: ServerConfig{
			Addr: env("PIXELSERVE_ADDR", ":8080"),
		},
		Storage: StorageConfig{
			Endpoint:     env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:    env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:    env("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:       envBool("MINIO_USE_SSL", false),
			SourceBucket: env("SOURCE_BUCKET", "pixelserve-sources"),
			CacheBucket:  env("CACHE_BUCKET", ""),
		},
		Delivery: DeliveryConfig{
			CacheControl:    env("CACHE_CONTROL", "public, max-age=31536000"),
			MaxOutputBytes:  envInt64("MAX_OUTPUT_BYTES", 20*1024*1024),
			RemoteHosts:     envList("REMOTE_ORIGIN_ALLOWLIST", ""),
			RefererHosts:    envList("REFERER_ALLOWLIST", ""),
			FetchTimeoutSec: envInt("REMOTE_FETCH_TIMEOUT_SECONDS", 20),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("PREWARM_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:   env("WORKER_METRICS_ADDR", ":9090"),
		},
		RateLimit: RateLimitConfig{
			Enabled:   envBool("RATE_LIMIT_ENABLED", false),
			Capacity:  envInt("RATE_LIMIT_CAPACITY", 120),
			WindowSec: envInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Webhook: WebhookConfig{
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
		},
		Trace: TraceConfig{
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("TRACE_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("TRACE_OTLP_INSECURE", false),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envList(key, fallback string) []string {
	value := env(key, fallback)
	if strings.TrimSpace(value) == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
