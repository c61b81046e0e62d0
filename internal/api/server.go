package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelserve/internal/edge"
	"github.com/dunamismax/pixelserve/internal/imageops"
	"github.com/dunamismax/pixelserve/internal/pipeline"
	"github.com/dunamismax/pixelserve/internal/queue"
	"github.com/dunamismax/pixelserve/internal/store"
)

// Deliverer runs the transformation pipeline for one canonical path.
type Deliverer interface {
	Deliver(ctx context.Context, canonicalPath, referer string) pipeline.Result
}

type queueEnqueuer interface {
	EnqueuePrewarm(ctx context.Context, payload queue.PrewarmPayload) (*asynq.TaskInfo, error)
}

type Server struct {
	logger      *log.Logger
	service     Deliverer
	queueClient queueEnqueuer
	usageStore  store.UsageStore
	rateLimiter RateLimiter
	metrics     *metrics
	tracer      trace.Tracer
	mux         *http.ServeMux
}

type Options struct {
	QueueClient queueEnqueuer
	UsageStore  store.UsageStore
	RateLimiter RateLimiter
	Tracer      trace.Tracer
}

func NewServer(logger *log.Logger, service Deliverer, opts Options) *Server {
	s := &Server{
		logger:      logger,
		service:     service,
		queueClient: opts.QueueClient,
		usageStore:  opts.UsageStore,
		rateLimiter: opts.RateLimiter,
		metrics:     newMetrics(),
		tracer:      opts.Tracer,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /internal/prewarm", s.handlePrewarm)

	// Everything else is an image path. Normalization runs before rate
	// limiting so the limiter can tell transforms from passthroughs.
	s.mux.Handle("/", edge.Middleware(s.withRateLimit(http.HandlerFunc(s.handleImage))))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleImage serves one canonical path. The request URL has already
// been rewritten by the edge normalizer.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusBadRequest)
		return
	}

	canonicalPath := r.URL.Path
	if canonicalPath == "" || canonicalPath == "/" {
		http.Error(w, "empty image path", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result := s.service.Deliver(r.Context(), canonicalPath, r.Header.Get("Referer"))
	s.recordDelivery(r.Context(), canonicalPath, result, time.Since(start))

	if header := result.Timing.Header(); header != "" {
		w.Header().Set("Server-Timing", header)
	}
	if result.CacheControl != "" {
		w.Header().Set("Cache-Control", result.CacheControl)
	}

	switch result.Status {
	case http.StatusOK:
		w.Header().Set("Content-Type", result.ContentType)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(result.Body); err != nil {
			s.logger.Printf("response write failed path=%s err=%v", canonicalPath, err)
		}
	case http.StatusFound:
		w.Header().Set("Location", result.Location)
		w.WriteHeader(http.StatusFound)
	default:
		http.Error(w, http.StatusText(result.Status), result.Status)
	}
}

func (s *Server) handlePrewarm(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "prewarm queue is not configured"})
		return
	}

	var payload queue.PrewarmPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	payload.RequestedAt = time.Now().UTC()
	if err := payload.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	taskInfo, err := s.queueClient.EnqueuePrewarm(r.Context(), payload)
	if err != nil {
		s.logger.Printf("prewarm enqueue failed paths=%d err=%v", len(payload.Paths), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue prewarm"})
		return
	}

	s.metrics.prewarmEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskInfo.ID,
		"queue":   taskInfo.Queue,
		"state":   taskInfo.State.String(),
		"paths":   len(payload.Paths),
	})
}

func (s *Server) recordDelivery(ctx context.Context, canonicalPath string, result pipeline.Result, elapsed time.Duration) {
	s.metrics.deliveriesTotal.WithLabelValues(statusLabel(result.Status)).Inc()
	if result.Oversized {
		s.metrics.oversizedTotal.Inc()
	}

	if s.usageStore == nil {
		return
	}
	record := store.TransformRecord{
		CanonicalPath: canonicalPath,
		Status:        result.Status,
		SourceBytes:   result.SourceBytes,
		OutputBytes:   result.OutputBytes,
		DurationMS:    maxInt64(1, elapsed.Milliseconds()),
		CacheWritten:  result.CacheWritten,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.usageStore.CreateTransformRecord(ctx, record); err != nil {
		s.logger.Printf("usage record write failed path=%s err=%v", canonicalPath, err)
	}
}

// isTransformRequest reports whether a normalized path requests a
// transformed variant rather than the original passthrough.
func isTransformRequest(canonicalPath string) bool {
	idx := strings.LastIndex(canonicalPath, "/")
	if idx < 0 {
		return false
	}
	return canonicalPath[idx+1:] != imageops.OriginalToken
}

func clientSubject(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
