// Package postgres provides PostgreSQL-backed implementations of
// [job.Store] and [job.LogStore].
//
// Jobs live in a single table with one JSONB document per row holding the
// stage statuses. Stage updates lock the row, merge exactly one stage and
// re-derive the overall status inside one transaction, so concurrent updates
// from different stage workers never overwrite each other. Log entries are
// upserted on their (job_id, service) primary key.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Create(ctx, job.New(id, time.Now()))
//	_ = store.UpsertLog(ctx, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT         PRIMARY KEY,
    overall_status  TEXT         NOT NULL,
    stages          JSONB        NOT NULL DEFAULT '{}'::jsonb,
    source_key      TEXT         NOT NULL DEFAULT '',
    source_name     TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_overall_status
    ON jobs (overall_status);

CREATE INDEX IF NOT EXISTS idx_jobs_updated_at
    ON jobs (updated_at);
`

const ddlJobLogs = `
CREATE TABLE IF NOT EXISTS job_logs (
    job_id      TEXT         NOT NULL,
    service     TEXT         NOT NULL,
    event       TEXT         NOT NULL,
    status      TEXT         NOT NULL,
    message     TEXT         NOT NULL DEFAULT '',
    input_path  TEXT         NOT NULL DEFAULT '',
    attempts    INTEGER      NOT NULL DEFAULT 0,
    logged_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (job_id, service)
);

CREATE INDEX IF NOT EXISTS idx_job_logs_service_status
    ON job_logs (service, status);
`

// Migrate creates the jobs and job_logs tables if they do not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlJobs, ddlJobLogs} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
