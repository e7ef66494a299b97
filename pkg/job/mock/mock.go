// Package mock provides a call-recording test double for [job.Store] and
// [job.LogStore].
//
// Unlike a pure stub, [Store] keeps real state in an embedded in-memory store
// so multi-step flows (worker → webhook → next stage) behave realistically,
// while every call is recorded for assertion and each method can be forced to
// fail through its *Err field.
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.UpdateStageErr = errors.New("db down")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("UpdateStage"); got != 0 {
//	    t.Errorf("expected no UpdateStage calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/job/memstore"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [job.Store] and [job.LogStore].
// The zero value is ready to use.
type Store struct {
	mu    sync.Mutex
	once  sync.Once
	calls []Call
	inner *memstore.Store

	CreateErr          error
	GetErr             error
	UpdateStageErr     error
	TransitionStageErr error
	StalledErr         error
	UpsertLogErr       error
	GetLogErr          error
	ListLogsErr        error
}

// Compile-time interface checks.
var (
	_ job.Store    = (*Store)(nil)
	_ job.LogStore = (*Store)(nil)
)

func (m *Store) backend() *memstore.Store {
	m.once.Do(func() {
		if m.inner == nil {
			m.inner = memstore.New()
		}
	})
	return m.inner
}

// WithClock sets the time source of the backing in-memory store.
func (m *Store) WithClock(now func() time.Time) *Store {
	m.backend().WithClock(now)
	return m
}

// record appends a call and returns the configured error for it.
func (m *Store) record(method string, err error, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	return err
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored state or response
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Create implements [job.Store].
func (m *Store) Create(ctx context.Context, j job.Job) error {
	if err := m.record("Create", m.CreateErr, j.ID); err != nil {
		return err
	}
	return m.backend().Create(ctx, j)
}

// Get implements [job.Store].
func (m *Store) Get(ctx context.Context, id string) (job.Job, error) {
	if err := m.record("Get", m.GetErr, id); err != nil {
		return job.Job{}, err
	}
	return m.backend().Get(ctx, id)
}

// UpdateStage implements [job.Store].
func (m *Store) UpdateStage(ctx context.Context, id string, stage job.Stage, st job.StageStatus) (job.Job, error) {
	if err := m.record("UpdateStage", m.UpdateStageErr, id, stage, st); err != nil {
		return job.Job{}, err
	}
	return m.backend().UpdateStage(ctx, id, stage, st)
}

// TransitionStage implements [job.Store].
func (m *Store) TransitionStage(ctx context.Context, id string, stage job.Stage, from job.Status, st job.StageStatus) (bool, error) {
	if err := m.record("TransitionStage", m.TransitionStageErr, id, stage, from, st); err != nil {
		return false, err
	}
	return m.backend().TransitionStage(ctx, id, stage, from, st)
}

// Stalled implements [job.Store].
func (m *Store) Stalled(ctx context.Context, stage job.Stage, olderThan time.Time) ([]job.Job, error) {
	if err := m.record("Stalled", m.StalledErr, stage, olderThan); err != nil {
		return nil, err
	}
	return m.backend().Stalled(ctx, stage, olderThan)
}

// UpsertLog implements [job.LogStore].
func (m *Store) UpsertLog(ctx context.Context, e job.LogEntry) error {
	if err := m.record("UpsertLog", m.UpsertLogErr, e); err != nil {
		return err
	}
	return m.backend().UpsertLog(ctx, e)
}

// GetLog implements [job.LogStore].
func (m *Store) GetLog(ctx context.Context, jobID string, service job.Stage) (job.LogEntry, error) {
	if err := m.record("GetLog", m.GetLogErr, jobID, service); err != nil {
		return job.LogEntry{}, err
	}
	return m.backend().GetLog(ctx, jobID, service)
}

// ListLogs implements [job.LogStore].
func (m *Store) ListLogs(ctx context.Context, service job.Stage, statuses ...job.Status) ([]job.LogEntry, error) {
	if err := m.record("ListLogs", m.ListLogsErr, service, statuses); err != nil {
		return nil, err
	}
	return m.backend().ListLogs(ctx, service, statuses...)
}
