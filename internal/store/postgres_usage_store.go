package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const usageSchemaSQL = `
CREATE TABLE IF NOT EXISTS transform_records (
	id BIGSERIAL PRIMARY KEY,
	canonical_path TEXT NOT NULL,
	status INT NOT NULL,
	source_bytes BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	cache_written BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(ctx context.Context, dsn string) (*PostgresUsageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresUsageStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresUsageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usageSchemaSQL); err != nil {
		return fmt.Errorf("ensure transform_records schema: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Close() error {
	return s.db.Close()
}

func (s *PostgresUsageStore) CreateTransformRecord(ctx context.Context, record TransformRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transform_records (canonical_path, status, source_bytes, output_bytes, duration_ms, cache_written, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.CanonicalPath,
		record.Status,
		record.SourceBytes,
		record.OutputBytes,
		record.DurationMS,
		record.CacheWritten,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transform record: %w", err)
	}

	return nil
}
