package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callscribe/pkg/job"
)

// Compile-time interface checks.
var (
	_ job.Store    = (*Store)(nil)
	_ job.LogStore = (*Store)(nil)
)

// uniqueViolation is the SQLSTATE PostgreSQL reports for a duplicate key.
const uniqueViolation = "23505"

// Store is the PostgreSQL-backed job and log store. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies the
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

const jobColumns = "id, overall_status, stages, source_key, source_name, created_at, updated_at"

// Create implements [job.Store].
func (s *Store) Create(ctx context.Context, j job.Job) error {
	stages, err := job.MarshalStages(j.Stages)
	if err != nil {
		return fmt.Errorf("postgres store: create: %w", err)
	}

	const q = `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.pool.Exec(ctx, q,
		j.ID,
		string(job.DeriveStatus(j.Stages)),
		string(stages),
		j.SourceKey,
		j.SourceName,
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return job.ErrAlreadyExists
		}
		return fmt.Errorf("postgres store: create: %w", err)
	}
	return nil
}

// Get implements [job.Store].
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	j, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("postgres store: get: %w", err)
	}
	return j, nil
}

// UpdateStage implements [job.Store]. The row is locked for the duration of
// the merge so two workers finishing different stages serialise on it.
func (s *Store) UpdateStage(ctx context.Context, id string, stage job.Stage, st job.StageStatus) (job.Job, error) {
	var out job.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = s.writeStage(ctx, tx, j, stage, st)
		return err
	})
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return job.Job{}, err
		}
		return job.Job{}, fmt.Errorf("postgres store: update stage: %w", err)
	}
	return out, nil
}

// TransitionStage implements [job.Store].
func (s *Store) TransitionStage(ctx context.Context, id string, stage job.Stage, from job.Status, st job.StageStatus) (bool, error) {
	var moved bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.Stage(stage).Status != from {
			return nil
		}
		if _, err := s.writeStage(ctx, tx, j, stage, st); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("postgres store: transition stage: %w", err)
	}
	return moved, nil
}

// lockJob reads the job row with SELECT … FOR UPDATE inside tx.
func (s *Store) lockJob(ctx context.Context, tx pgx.Tx, id string) (job.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, err
	}
	return j, nil
}

// writeStage replaces a single stage key via a top-level jsonb concatenation
// and stores the newly derived overall status. Other stage keys are left
// untouched by the SQL.
func (s *Store) writeStage(ctx context.Context, tx pgx.Tx, j job.Job, stage job.Stage, st job.StageStatus) (job.Job, error) {
	now := time.Now().UTC()
	st = job.Stamp(st, now)
	j.Stages[stage] = st
	j.UpdatedAt = now
	j.OverallStatus = job.DeriveStatus(j.Stages)

	doc, err := job.MarshalStages(map[job.Stage]job.StageStatus{stage: st})
	if err != nil {
		return job.Job{}, err
	}

	const q = `
		UPDATE jobs
		SET    stages         = stages || $2::jsonb,
		       overall_status = $3,
		       updated_at     = $4
		WHERE  id = $1`

	if _, err := tx.Exec(ctx, q, j.ID, string(doc), string(j.OverallStatus), now); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// Stalled implements [job.Store].
func (s *Store) Stalled(ctx context.Context, stage job.Stage, olderThan time.Time) ([]job.Job, error) {
	upstream, _ := stage.Upstream()

	const q = `
		SELECT ` + jobColumns + `
		FROM   jobs
		WHERE  stages -> $1::text ->> 'status' IN ('pending', 'processing')
		  AND  ($2::text = '' OR stages -> $2::text ->> 'status' = 'completed')
		  AND  updated_at < $3
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, string(stage), string(upstream), olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stalled: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (job.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: stalled: %w", err)
	}
	return jobs, nil
}

// scanJob reads one jobs row in [jobColumns] order.
func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j       job.Job
		overall string
		stages  []byte
	)
	if err := row.Scan(&j.ID, &overall, &stages, &j.SourceKey, &j.SourceName, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return job.Job{}, err
	}
	decoded, err := job.UnmarshalStages(stages)
	if err != nil {
		return job.Job{}, err
	}
	j.Stages = decoded
	j.OverallStatus = job.OverallStatus(overall)
	return j, nil
}

// isNoRows reports whether err is the pgx "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
