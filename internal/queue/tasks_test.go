package queue

import (
	"testing"
	"time"
)

func TestPrewarmTaskRoundTrip(t *testing.T) {
	payload := PrewarmPayload{
		Paths:       []string{"/photos/cat.jpg/width=200,format=webp", "/photos/dog.jpg/original"},
		WebhookURL:  "https://hooks.example.com/prewarm",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewPrewarmTask(payload)
	if err != nil {
		t.Fatalf("NewPrewarmTask returned error: %v", err)
	}
	if task.Type() != TypePrewarmVariant {
		t.Fatalf("unexpected task type %q", task.Type())
	}

	parsed, err := ParsePrewarmPayload(task)
	if err != nil {
		t.Fatalf("ParsePrewarmPayload returned error: %v", err)
	}
	if len(parsed.Paths) != 2 {
		t.Fatalf("expected two paths, got %d", len(parsed.Paths))
	}
	if parsed.Paths[0] != payload.Paths[0] {
		t.Fatalf("expected path %q, got %q", payload.Paths[0], parsed.Paths[0])
	}
}

func TestPrewarmPayloadValidation(t *testing.T) {
	if _, err := NewPrewarmTask(PrewarmPayload{}); err == nil {
		t.Fatal("expected error for empty path list")
	}
	if _, err := NewPrewarmTask(PrewarmPayload{Paths: []string{"photos/cat.jpg"}}); err == nil {
		t.Fatal("expected error for relative path")
	}
}
