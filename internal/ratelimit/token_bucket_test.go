package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, window time.Duration) (*RedisTokenBucket, *time.Time) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	bucket, err := NewRedisTokenBucket(client, capacity, window, "test:ratelimit")
	if err != nil {
		t.Fatalf("new token bucket: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }
	return bucket, &now
}

func TestAllowDrainsAndRefills(t *testing.T) {
	bucket, now := newTestBucket(t, 2, time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := bucket.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}

	decision, err := bucket.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("allow after drain: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial once the bucket is empty")
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", decision.RetryAfter)
	}

	*now = now.Add(time.Second)
	decision, err = bucket.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("allow after refill: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected the bucket to refill after the window")
	}
}

func TestAllowIsolatesSubjects(t *testing.T) {
	bucket, _ := newTestBucket(t, 1, time.Second)
	ctx := context.Background()

	if decision, err := bucket.Allow(ctx, "client-a"); err != nil || !decision.Allowed {
		t.Fatalf("client-a first request: allowed=%v err=%v", decision.Allowed, err)
	}
	if decision, err := bucket.Allow(ctx, "client-a"); err != nil || decision.Allowed {
		t.Fatalf("client-a second request: allowed=%v err=%v", decision.Allowed, err)
	}
	if decision, err := bucket.Allow(ctx, "client-b"); err != nil || !decision.Allowed {
		t.Fatalf("client-b must have its own bucket: allowed=%v err=%v", decision.Allowed, err)
	}
}

func TestAllowEmptySubjectFallsBackToAnonymous(t *testing.T) {
	bucket, _ := newTestBucket(t, 1, time.Second)
	ctx := context.Background()

	if decision, err := bucket.Allow(ctx, "  "); err != nil || !decision.Allowed {
		t.Fatalf("blank subject first request: allowed=%v err=%v", decision.Allowed, err)
	}
	if decision, err := bucket.Allow(ctx, ""); err != nil || decision.Allowed {
		t.Fatal("blank subjects must share the anonymous bucket")
	}
}

func TestNewRedisTokenBucketValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, 10, time.Second, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Second, ""); err == nil {
		t.Fatal("expected error for non-positive capacity")
	}
	if _, err := NewRedisTokenBucket(client, 10, 0, ""); err == nil {
		t.Fatal("expected error for non-positive window")
	}
}
