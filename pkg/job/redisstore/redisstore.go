// Package redisstore provides Redis-backed implementations of [job.Store]
// and [job.LogStore] built on go-redis.
//
// Layout, with the default "callscribe" prefix:
//
//	callscribe:job:{id}            HASH  id, overall_status, source_key, source_name,
//	                                     created_at, updated_at, stage:{name} -> JSON
//	callscribe:jobs                ZSET  job ids scored by updated_at (unix ms)
//	callscribe:log:{id}:{service}  STRING JSON log entry
//	callscribe:logs:{service}      ZSET  job ids scored by log timestamp (unix ms)
//
// Every stage lives in its own hash field. Updates WATCH the job key, so a
// merge only ever rewrites one stage field plus the derived fields and two
// workers finishing different stages never overwrite each other.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/callscribe/pkg/job"
)

// Compile-time interface checks.
var (
	_ job.Store    = (*Store)(nil)
	_ job.LogStore = (*Store)(nil)
)

const (
	defaultPrefix = "callscribe"

	// maxTxRetries bounds optimistic-lock retries when a WATCHed key changes.
	maxTxRetries = 16

	stageFieldPrefix = "stage:"
)

// Option configures a [Store].
type Option func(*Store)

// WithPrefix sets the key prefix. Defaults to "callscribe".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the Redis-backed job and log store. It is safe for concurrent use.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// New returns a [Store] using rdb. The caller owns rdb and closes it.
func New(rdb goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: defaultPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the server is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis store: ping: %w", err)
	}
	return nil
}

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }

func (s *Store) indexKey() string { return s.prefix + ":jobs" }

func (s *Store) logIndexKey(service job.Stage) string {
	return s.prefix + ":logs:" + string(service)
}

func (s *Store) logKey(id string, service job.Stage) string {
	return s.prefix + ":log:" + id + ":" + string(service)
}

// ── Jobs ─────────────────────────────────────────────────────────────────────

// Create implements [job.Store].
func (s *Store) Create(ctx context.Context, j job.Job) error {
	key := s.jobKey(j.ID)
	fields, err := encodeJob(j)
	if err != nil {
		return fmt.Errorf("redis store: create: %w", err)
	}

	err = s.watch(ctx, key, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return job.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.HSet(ctx, key, fields)
			p.ZAdd(ctx, s.indexKey(), goredis.Z{Score: score(j.UpdatedAt), Member: j.ID})
			return nil
		})
		return err
	})
	if err != nil {
		if errors.Is(err, job.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("redis store: create: %w", err)
	}
	return nil
}

// Get implements [job.Store].
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	j, err := s.load(ctx, s.rdb, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return job.Job{}, err
		}
		return job.Job{}, fmt.Errorf("redis store: get: %w", err)
	}
	return j, nil
}

// UpdateStage implements [job.Store].
func (s *Store) UpdateStage(ctx context.Context, id string, stage job.Stage, st job.StageStatus) (job.Job, error) {
	var out job.Job
	key := s.jobKey(id)
	err := s.watch(ctx, key, func(tx *goredis.Tx) error {
		j, err := s.load(ctx, tx, id)
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
		return job.Job{}, fmt.Errorf("redis store: update stage: %w", err)
	}
	return out, nil
}

// TransitionStage implements [job.Store].
func (s *Store) TransitionStage(ctx context.Context, id string, stage job.Stage, from job.Status, st job.StageStatus) (bool, error) {
	var moved bool
	key := s.jobKey(id)
	err := s.watch(ctx, key, func(tx *goredis.Tx) error {
		moved = false
		j, err := s.load(ctx, tx, id)
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
		return false, fmt.Errorf("redis store: transition stage: %w", err)
	}
	return moved, nil
}

// Stalled implements [job.Store]. Candidates come from the updated_at index;
// the stage predicate is applied client-side.
func (s *Store) Stalled(ctx context.Context, stage job.Stage, olderThan time.Time) ([]job.Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: stalled: %w", err)
	}

	var out []job.Job
	for _, id := range ids {
		j, err := s.load(ctx, s.rdb, id)
		if errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis store: stalled: %w", err)
		}
		if job.IsStalled(j, stage, olderThan) {
			out = append(out, j)
		}
	}
	return out, nil
}

// writeStage queues the single-field merge inside the WATCH transaction.
func (s *Store) writeStage(ctx context.Context, tx *goredis.Tx, j job.Job, stage job.Stage, st job.StageStatus) (job.Job, error) {
	now := s.now()
	st = job.Stamp(st, now)
	j.Stages[stage] = st
	j.UpdatedAt = now
	j.OverallStatus = job.DeriveStatus(j.Stages)

	raw, err := json.Marshal(st)
	if err != nil {
		return job.Job{}, err
	}
	key := s.jobKey(j.ID)
	_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			stageFieldPrefix+string(stage), string(raw),
			"overall_status", string(j.OverallStatus),
			"updated_at", now.Format(time.RFC3339Nano),
		)
		p.ZAdd(ctx, s.indexKey(), goredis.Z{Score: score(now), Member: j.ID})
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// watch runs fn under WATCH key, retrying when another client modified the
// key between read and EXEC.
func (s *Store) watch(ctx context.Context, key string, fn func(*goredis.Tx) error) error {
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("too much contention on %s", key)
}

// load reads and decodes the job hash through c, which may be a transaction.
func (s *Store) load(ctx context.Context, c goredis.Cmdable, id string) (job.Job, error) {
	fields, err := c.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return job.Job{}, err
	}
	if len(fields) == 0 {
		return job.Job{}, job.ErrNotFound
	}
	return decodeJob(fields)
}

func encodeJob(j job.Job) (map[string]any, error) {
	fields := map[string]any{
		"id":             j.ID,
		"overall_status": string(job.DeriveStatus(j.Stages)),
		"source_key":     j.SourceKey,
		"source_name":    j.SourceName,
		"created_at":     j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":     j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, stage := range job.Stages {
		raw, err := json.Marshal(j.Stage(stage))
		if err != nil {
			return nil, err
		}
		fields[stageFieldPrefix+string(stage)] = string(raw)
	}
	return fields, nil
}

func decodeJob(fields map[string]string) (job.Job, error) {
	j := job.Job{
		ID:            fields["id"],
		OverallStatus: job.OverallStatus(fields["overall_status"]),
		SourceKey:     fields["source_key"],
		SourceName:    fields["source_name"],
		Stages:        make(map[job.Stage]job.StageStatus, len(job.Stages)),
	}
	var err error
	if j.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return job.Job{}, fmt.Errorf("decode created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return job.Job{}, fmt.Errorf("decode updated_at: %w", err)
	}
	for _, stage := range job.Stages {
		raw, ok := fields[stageFieldPrefix+string(stage)]
		if !ok {
			continue
		}
		var st job.StageStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return job.Job{}, fmt.Errorf("decode stage %s: %w", stage, err)
		}
		j.Stages[stage] = st
	}
	return j, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// ── Logs ─────────────────────────────────────────────────────────────────────

// UpsertLog implements [job.LogStore].
func (s *Store) UpsertLog(ctx context.Context, e job.LogEntry) error {
	key := s.logKey(e.JobID, e.Service)
	err := s.watch(ctx, key, func(tx *goredis.Tx) error {
		now := s.now()
		entry := e
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		entry.Metadata = job.LogMetadata{CreatedAt: now, UpdatedAt: now}

		prev, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			var old job.LogEntry
			if err := json.Unmarshal(prev, &old); err == nil && !old.Metadata.CreatedAt.IsZero() {
				entry.Metadata.CreatedAt = old.Metadata.CreatedAt
			}
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, raw, 0)
			p.ZAdd(ctx, s.logIndexKey(e.Service), goredis.Z{Score: score(entry.Timestamp), Member: e.JobID})
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis log store: upsert: %w", err)
	}
	return nil
}

// GetLog implements [job.LogStore].
func (s *Store) GetLog(ctx context.Context, jobID string, service job.Stage) (job.LogEntry, error) {
	raw, err := s.rdb.Get(ctx, s.logKey(jobID, service)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return job.LogEntry{}, job.ErrNotFound
	}
	if err != nil {
		return job.LogEntry{}, fmt.Errorf("redis log store: get: %w", err)
	}
	var e job.LogEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return job.LogEntry{}, fmt.Errorf("redis log store: decode: %w", err)
	}
	return e, nil
}

// ListLogs implements [job.LogStore]. Entries are returned in timestamp order.
func (s *Store) ListLogs(ctx context.Context, service job.Stage, statuses ...job.Status) ([]job.LogEntry, error) {
	ids, err := s.rdb.ZRange(ctx, s.logIndexKey(service), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis log store: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.logKey(id, service)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis log store: list: %w", err)
	}

	var out []job.LogEntry
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e job.LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("redis log store: decode: %w", err)
		}
		if matchStatus(e.Status, statuses) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matchStatus(st job.Status, statuses []job.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if st == want {
			return true
		}
	}
	return false
}
