package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelserve/internal/config"
	"github.com/dunamismax/pixelserve/internal/pipeline"
	"github.com/dunamismax/pixelserve/internal/queue"
	"github.com/dunamismax/pixelserve/internal/store"
)

// Deliverer runs the transformation pipeline for one canonical path.
type Deliverer interface {
	Deliver(ctx context.Context, canonicalPath, referer string) pipeline.Result
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Server consumes prewarm tasks and runs the delivery pipeline for each
// canonical path so the variant lands in the cache bucket before client
// demand.
type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	service       Deliverer
	webhookClient webhookSender
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	service Deliverer,
	webhookClient webhookSender,
	usageStore store.UsageStore,
) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("delivery service is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		service:       service,
		webhookClient: webhookClient,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelserve/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePrewarmVariant, s.handlePrewarm)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handlePrewarm(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParsePrewarmPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("validate payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.prewarm_variants", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.Int("prewarm.paths", len(payload.Paths)),
	)
	defer span.End()

	s.sem <- struct{}{}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	s.logger.Printf("prewarming paths=%d", len(payload.Paths))

	warmed := make([]string, 0, len(payload.Paths))
	failed := map[string]string{}
	for _, canonicalPath := range payload.Paths {
		result := s.service.Deliver(ctx, canonicalPath, "")
		s.recordUsage(ctx, canonicalPath, result, time.Since(startedAt))

		switch {
		case result.Status == http.StatusOK && result.CacheWritten:
			warmed = append(warmed, canonicalPath)
			s.metrics.pathsWarmedTotal.Inc()
		case result.Status == http.StatusOK:
			// Delivered but not cached. Nothing to retry; the cache
			// bucket is either disabled or rejecting writes.
			failed[canonicalPath] = "variant produced but not cached"
			s.metrics.pathsFailedTotal.Inc()
		default:
			failed[canonicalPath] = fmt.Sprintf("delivery returned status %d", result.Status)
			s.metrics.pathsFailedTotal.Inc()
		}
	}

	s.metrics.taskDuration.Observe(time.Since(startedAt).Seconds())

	event := "prewarm.completed"
	if len(failed) > 0 {
		event = "prewarm.failed"
	}
	body := map[string]any{
		"requested_at": payload.RequestedAt,
		"finished_at":  time.Now().UTC(),
		"warmed":       warmed,
		"failed":       failed,
	}
	if err := s.dispatchWebhook(ctx, payload, event, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	if len(failed) > 0 {
		span.SetStatus(codes.Error, "some paths failed")
		return fmt.Errorf("prewarm finished with %d failed paths: %w", len(failed), asynq.SkipRetry)
	}

	s.logger.Printf("prewarmed paths=%d duration=%s", len(warmed), time.Since(startedAt).Round(time.Millisecond))
	span.SetStatus(codes.Ok, "warmed")
	return nil
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.PrewarmPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed event=%s err=%v", event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, canonicalPath string, result pipeline.Result, elapsed time.Duration) {
	if s.usageStore == nil {
		return
	}

	durationMS := elapsed.Milliseconds()
	if durationMS < 1 {
		durationMS = 1
	}

	record := store.TransformRecord{
		CanonicalPath: canonicalPath,
		Status:        result.Status,
		SourceBytes:   result.SourceBytes,
		OutputBytes:   result.OutputBytes,
		DurationMS:    durationMS,
		CacheWritten:  result.CacheWritten,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.usageStore.CreateTransformRecord(ctx, record); err != nil {
		s.logger.Printf("usage record write failed path=%s err=%v", canonicalPath, err)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
