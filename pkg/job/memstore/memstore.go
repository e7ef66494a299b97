// Package memstore provides thread-safe, in-memory implementations of
// [job.Store] and [job.LogStore]. They back single-process deployments and
// the package tests of everything built on top of the stores.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/pkg/job"
)

// Compile-time interface checks.
var (
	_ job.Store    = (*Store)(nil)
	_ job.LogStore = (*Store)(nil)
)

type logKey struct {
	jobID   string
	service job.Stage
}

// Store keeps jobs and log entries in maps guarded by a single mutex.
// Records are deep-copied on the way in and out. The zero value is ready to use.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
	logs map[logKey]job.LogEntry

	// now is replaceable in tests.
	now func() time.Time
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{
		jobs: make(map[string]job.Job),
		logs: make(map[logKey]job.LogEntry),
	}
}

// WithClock returns s using now as its time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// Create implements [job.Store].
func (s *Store) Create(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = make(map[string]job.Job)
	}
	if _, ok := s.jobs[j.ID]; ok {
		return job.ErrAlreadyExists
	}
	j = j.Clone()
	j.OverallStatus = job.DeriveStatus(j.Stages)
	s.jobs[j.ID] = j
	return nil
}

// Get implements [job.Store].
func (s *Store) Get(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j.Clone(), nil
}

// UpdateStage implements [job.Store].
func (s *Store) UpdateStage(_ context.Context, id string, stage job.Stage, st job.StageStatus) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	s.applyLocked(&j, stage, st)
	return j.Clone(), nil
}

// TransitionStage implements [job.Store].
func (s *Store) TransitionStage(_ context.Context, id string, stage job.Stage, from job.Status, st job.StageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, job.ErrNotFound
	}
	if j.Stage(stage).Status != from {
		return false, nil
	}
	s.applyLocked(&j, stage, st)
	return true, nil
}

// applyLocked merges st into j and stores the result. Must be called with
// s.mu held for writing.
func (s *Store) applyLocked(j *job.Job, stage job.Stage, st job.StageStatus) {
	now := s.clock()
	next := j.Clone()
	next.Stages[stage] = job.Stamp(st, now)
	next.UpdatedAt = now
	next.OverallStatus = job.DeriveStatus(next.Stages)
	s.jobs[next.ID] = next
	*j = next
}

// Stalled implements [job.Store].
func (s *Store) Stalled(_ context.Context, stage job.Stage, olderThan time.Time) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.jobs {
		if job.IsStalled(j, stage, olderThan) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b job.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// UpsertLog implements [job.LogStore].
func (s *Store) UpsertLog(_ context.Context, e job.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs == nil {
		s.logs = make(map[logKey]job.LogEntry)
	}
	now := s.clock()
	k := logKey{jobID: e.JobID, service: e.Service}
	if prev, ok := s.logs[k]; ok {
		e.Metadata.CreatedAt = prev.Metadata.CreatedAt
	} else if e.Metadata.CreatedAt.IsZero() {
		e.Metadata.CreatedAt = now
	}
	e.Metadata.UpdatedAt = now
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	s.logs[k] = e
	return nil
}

// GetLog implements [job.LogStore].
func (s *Store) GetLog(_ context.Context, jobID string, service job.Stage) (job.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.logs[logKey{jobID: jobID, service: service}]
	if !ok {
		return job.LogEntry{}, job.ErrNotFound
	}
	return e, nil
}

// ListLogs implements [job.LogStore].
func (s *Store) ListLogs(_ context.Context, service job.Stage, statuses ...job.Status) ([]job.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.LogEntry
	for k, e := range s.logs {
		if k.service != service {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b job.LogEntry) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}
