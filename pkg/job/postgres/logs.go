package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/callscribe/pkg/job"
)

const logColumns = "job_id, service, event, status, message, input_path, attempts, logged_at, created_at, updated_at"

// UpsertLog implements [job.LogStore]. created_at is written once on insert
// and preserved by the conflict clause.
func (s *Store) UpsertLog(ctx context.Context, e job.LogEntry) error {
	now := time.Now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	const q = `
		INSERT INTO job_logs (` + logColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (job_id, service) DO UPDATE
		SET    event      = EXCLUDED.event,
		       status     = EXCLUDED.status,
		       message    = EXCLUDED.message,
		       input_path = EXCLUDED.input_path,
		       attempts   = EXCLUDED.attempts,
		       logged_at  = EXCLUDED.logged_at,
		       updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, q,
		e.JobID,
		string(e.Service),
		e.Event,
		string(e.Status),
		e.Message,
		e.InputPath,
		e.Attempts,
		e.Timestamp,
		now,
	)
	if err != nil {
		return fmt.Errorf("log store: upsert: %w", err)
	}
	return nil
}

// GetLog implements [job.LogStore].
func (s *Store) GetLog(ctx context.Context, jobID string, service job.Stage) (job.LogEntry, error) {
	const q = `SELECT ` + logColumns + ` FROM job_logs WHERE job_id = $1 AND service = $2`

	rows, err := s.pool.Query(ctx, q, jobID, string(service))
	if err != nil {
		return job.LogEntry{}, fmt.Errorf("log store: get: %w", err)
	}
	entries, err := collectLogs(rows)
	if err != nil {
		return job.LogEntry{}, fmt.Errorf("log store: get: %w", err)
	}
	if len(entries) == 0 {
		return job.LogEntry{}, job.ErrNotFound
	}
	return entries[0], nil
}

// ListLogs implements [job.LogStore].
func (s *Store) ListLogs(ctx context.Context, service job.Stage, statuses ...job.Status) ([]job.LogEntry, error) {
	args := []any{string(service)}
	q := `SELECT ` + logColumns + ` FROM job_logs WHERE service = $1`
	if len(statuses) > 0 {
		raw := make([]string, len(statuses))
		for i, st := range statuses {
			raw[i] = string(st)
		}
		args = append(args, raw)
		q += ` AND status = ANY($2)`
	}
	q += ` ORDER BY logged_at`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("log store: list: %w", err)
	}
	entries, err := collectLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("log store: list: %w", err)
	}
	return entries, nil
}

// collectLogs scans pgx rows into a slice of LogEntry values.
func collectLogs(rows pgx.Rows) ([]job.LogEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (job.LogEntry, error) {
		var (
			e               job.LogEntry
			service, status string
		)
		if err := row.Scan(
			&e.JobID,
			&service,
			&e.Event,
			&status,
			&e.Message,
			&e.InputPath,
			&e.Attempts,
			&e.Timestamp,
			&e.Metadata.CreatedAt,
			&e.Metadata.UpdatedAt,
		); err != nil {
			return job.LogEntry{}, err
		}
		e.Service = job.Stage(service)
		e.Status = job.Status(status)
		return e, nil
	})
}
