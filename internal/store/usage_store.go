package store

import (
	"context"
	"time"
)

// TransformRecord is one per-delivery accounting row: raw observability
// data, never consulted by the pipeline itself.
type TransformRecord struct {
	CanonicalPath string
	Status        int
	SourceBytes   int
	OutputBytes   int
	DurationMS    int64
	CacheWritten  bool
	CreatedAt     time.Time
}

type UsageStore interface {
	CreateTransformRecord(ctx context.Context, record TransformRecord) error
}
