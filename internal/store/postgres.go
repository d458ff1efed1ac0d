// Package store persists FileMetadata outcomes and a job audit trail in
// Postgres. The upload layer owns the file rows; this side only upserts the
// processing-result fields.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"document-ingestion-queue/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertFileResult writes the processing outcome onto the file record,
// appending any error to the processing-error list rather than replacing it.
func (s *Store) UpsertFileResult(ctx context.Context, res models.FileResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (file_id, status, job_id, retry_count, elements_extracted, pages_processed, processing_errors, processed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $7 = '' THEN ARRAY[]::text[] ELSE ARRAY[$7] END, $8, NOW())
		ON CONFLICT (file_id) DO UPDATE SET
			status = EXCLUDED.status,
			job_id = EXCLUDED.job_id,
			retry_count = EXCLUDED.retry_count,
			elements_extracted = EXCLUDED.elements_extracted,
			pages_processed = EXCLUDED.pages_processed,
			processing_errors = CASE WHEN $7 = '' THEN files.processing_errors
				ELSE array_append(files.processing_errors, $7) END,
			processed_at = EXCLUDED.processed_at,
			updated_at = NOW()
	`, res.FileID, res.Status, res.JobID, res.RetryCount, res.ElementsExtracted,
		res.PagesProcessed, res.ErrorMessage, res.ProcessedAt)
	if err != nil {
		return fmt.Errorf("upsert file result %s: %w", res.FileID, err)
	}
	return nil
}

// GetFileResult fetches the persisted outcome for one file, or nil when the
// file has never been processed.
func (s *Store) GetFileResult(ctx context.Context, fileID string) (*models.FileResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT file_id, status, job_id, retry_count, elements_extracted, pages_processed,
		       COALESCE(processing_errors[array_upper(processing_errors, 1)], ''), processed_at
		FROM files WHERE file_id = $1
	`, fileID)

	var res models.FileResult
	var processedAt pgtype.Timestamptz
	err := row.Scan(&res.FileID, &res.Status, &res.JobID, &res.RetryCount,
		&res.ElementsExtracted, &res.PagesProcessed, &res.ErrorMessage, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch file result %s: %w", fileID, err)
	}
	if processedAt.Valid {
		res.ProcessedAt = processedAt.Time
	}
	return &res, nil
}

// AppendAudit records one lifecycle event against a job.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// CleanupAudit deletes audit rows older than the cutoff and returns how many
// were removed.
func (s *Store) CleanupAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_audit WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit: %w", err)
	}
	return tag.RowsAffected(), nil
}
