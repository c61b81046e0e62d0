package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/dunamismax/pixelserve/internal/pipeline"
	"github.com/dunamismax/pixelserve/internal/queue"
	"github.com/dunamismax/pixelserve/internal/store"
)

type fakeDeliverer struct {
	results map[string]pipeline.Result
	paths   []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, canonicalPath, _ string) pipeline.Result {
	f.paths = append(f.paths, canonicalPath)
	if result, ok := f.results[canonicalPath]; ok {
		return result
	}
	return pipeline.Result{Status: http.StatusNotFound}
}

type captureWebhook struct {
	event string
	body  any
	err   error
}

func (c *captureWebhook) Send(_ context.Context, _ string, event string, payload any) error {
	c.event = event
	c.body = payload
	return c.err
}

func newTestWorker(service Deliverer, sender webhookSender, usage store.UsageStore) *Server {
	return &Server{
		logger:        log.New(io.Discard, "", 0),
		sem:           make(chan struct{}, 1),
		service:       service,
		webhookClient: sender,
		usageStore:    usage,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelserve/worker-test"),
	}
}

func TestHandlePrewarmWarmsAllPaths(t *testing.T) {
	deliverer := &fakeDeliverer{results: map[string]pipeline.Result{
		"/photos/cat.jpg/format=webp": {Status: http.StatusOK, CacheWritten: true, SourceBytes: 500, OutputBytes: 200},
		"/photos/dog.png/width=100":   {Status: http.StatusOK, CacheWritten: true, SourceBytes: 900, OutputBytes: 300},
	}}
	sender := &captureWebhook{}
	usage := store.NewMemoryUsageStore()
	s := newTestWorker(deliverer, sender, usage)

	task, err := queue.NewPrewarmTask(queue.PrewarmPayload{
		Paths:       []string{"/photos/cat.jpg/format=webp", "/photos/dog.png/width=100"},
		WebhookURL:  "https://hooks.example.com/prewarm",
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	if err := s.handlePrewarm(context.Background(), task); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(deliverer.paths) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliverer.paths))
	}
	if sender.event != "prewarm.completed" {
		t.Fatalf("expected prewarm.completed webhook, got %q", sender.event)
	}
	if records := usage.Records(); len(records) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(records))
	}
}

func TestHandlePrewarmReportsFailedPaths(t *testing.T) {
	deliverer := &fakeDeliverer{results: map[string]pipeline.Result{
		"/photos/cat.jpg/format=webp": {Status: http.StatusOK, CacheWritten: true},
	}}
	sender := &captureWebhook{}
	s := newTestWorker(deliverer, sender, nil)

	task, err := queue.NewPrewarmTask(queue.PrewarmPayload{
		Paths:      []string{"/photos/cat.jpg/format=webp", "/photos/missing.jpg/original"},
		WebhookURL: "https://hooks.example.com/prewarm",
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	err = s.handlePrewarm(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for failed paths")
	}
	if sender.event != "prewarm.failed" {
		t.Fatalf("expected prewarm.failed webhook, got %q", sender.event)
	}

	body, ok := sender.body.(map[string]any)
	if !ok {
		t.Fatalf("unexpected webhook body type %T", sender.body)
	}
	failed, ok := body["failed"].(map[string]string)
	if !ok {
		t.Fatalf("unexpected failed field type %T", body["failed"])
	}
	if _, present := failed["/photos/missing.jpg/original"]; !present {
		t.Fatalf("expected missing path in failures, got %v", failed)
	}
}

func TestHandlePrewarmPropagatesWebhookError(t *testing.T) {
	deliverer := &fakeDeliverer{results: map[string]pipeline.Result{
		"/photos/cat.jpg/format=webp": {Status: http.StatusOK, CacheWritten: true},
	}}
	sender := &captureWebhook{err: errors.New("endpoint down")}
	s := newTestWorker(deliverer, sender, nil)

	task, err := queue.NewPrewarmTask(queue.PrewarmPayload{
		Paths:      []string{"/photos/cat.jpg/format=webp"},
		WebhookURL: "https://hooks.example.com/prewarm",
	})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	if err := s.handlePrewarm(context.Background(), task); err == nil {
		t.Fatal("expected webhook error to fail the task")
	}
}

func TestRecordUsageClampsDuration(t *testing.T) {
	usage := store.NewMemoryUsageStore()
	s := newTestWorker(&fakeDeliverer{}, nil, usage)

	s.recordUsage(context.Background(), "/photos/cat.jpg/original", pipeline.Result{
		Status:      http.StatusOK,
		SourceBytes: 100,
		OutputBytes: 100,
	}, 0)

	records := usage.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].DurationMS < 1 {
		t.Fatalf("expected duration to be at least 1ms, got %d", records[0].DurationMS)
	}
}
