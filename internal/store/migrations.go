package store

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS files (
		file_id            TEXT PRIMARY KEY,
		status             TEXT NOT NULL DEFAULT 'pending',
		job_id             TEXT,
		retry_count        INT NOT NULL DEFAULT 0,
		elements_extracted INT NOT NULL DEFAULT 0,
		pages_processed    INT NOT NULL DEFAULT 0,
		processing_errors  TEXT[] NOT NULL DEFAULT ARRAY[]::text[],
		processed_at       TIMESTAMPTZ,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS job_audit (
		id     BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL,
		event  TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		ts     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS job_audit_job_id_idx ON job_audit (job_id)`,
	`CREATE INDEX IF NOT EXISTS job_audit_ts_idx ON job_audit (ts)`,
}

// RunMigrations executes the schema statements in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
