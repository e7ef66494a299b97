// Package memqueue provides an in-process implementation of [queue.Queue]
// for single-binary deployments and tests.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/queue"
)

var _ queue.Queue = (*Queue)(nil)

// maxIdle caps how long Receive sleeps between expiry checks.
const maxIdle = 250 * time.Millisecond

type entry struct {
	task     queue.Task
	deadline time.Time // zero while ready
}

type stageQueue struct {
	ready    []string
	entries  map[string]*entry
	inFlight map[string]struct{}
}

// Option configures a [Queue].
type Option func(*Queue)

// WithVisibility sets the visibility timeout applied on Receive.
func WithVisibility(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

// WithClock replaces the time source used for visibility deadlines.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a mutex-guarded set of per-stage FIFO lists.
type Queue struct {
	mu         sync.Mutex
	stages     map[job.Stage]*stageQueue
	notify     chan struct{}
	visibility time.Duration
	now        func() time.Time
}

// New returns an empty [Queue].
func New(opts ...Option) *Queue {
	q := &Queue{
		stages:     make(map[job.Stage]*stageQueue),
		notify:     make(chan struct{}),
		visibility: queue.DefaultVisibility,
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) stage(s job.Stage) *stageQueue {
	sq, ok := q.stages[s]
	if !ok {
		sq = &stageQueue{
			entries:  make(map[string]*entry),
			inFlight: make(map[string]struct{}),
		}
		q.stages[s] = sq
	}
	return sq
}

// wake releases every blocked receiver. Caller holds q.mu.
func (q *Queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Enqueue implements [queue.Queue].
func (q *Queue) Enqueue(_ context.Context, stage job.Stage, p queue.Payload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	sq := q.stage(stage)
	sq.entries[id] = &entry{task: queue.Task{ID: id, Stage: stage, Payload: clonePayload(p)}}
	sq.ready = append(sq.ready, id)
	q.wake()
	return id, nil
}

// Receive implements [queue.Queue].
func (q *Queue) Receive(ctx context.Context, stage job.Stage, max int, wait time.Duration) ([]queue.Task, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		tasks := q.take(stage, max)
		notify := q.notify
		q.mu.Unlock()

		if len(tasks) > 0 {
			return tasks, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []queue.Task{}, nil
		}

		timer := time.NewTimer(min(remaining, maxIdle))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take requeues expired in-flight tasks and moves up to max ready tasks to
// in-flight. Caller holds q.mu.
func (q *Queue) take(stage job.Stage, max int) []queue.Task {
	sq := q.stage(stage)
	now := q.now()

	for id := range sq.inFlight {
		e := sq.entries[id]
		if !e.deadline.After(now) {
			delete(sq.inFlight, id)
			e.deadline = time.Time{}
			e.task.Receipt = ""
			sq.ready = append(sq.ready, id)
		}
	}

	var out []queue.Task
	for len(sq.ready) > 0 && len(out) < max {
		id := sq.ready[0]
		sq.ready = sq.ready[1:]
		e, ok := sq.entries[id]
		if !ok {
			continue
		}
		e.task.Deliveries++
		e.task.Receipt = uuid.NewString()
		e.deadline = now.Add(q.visibility)
		sq.inFlight[id] = struct{}{}

		t := e.task
		t.Payload = clonePayload(t.Payload)
		out = append(out, t)
	}
	return out
}

// lookup returns the in-flight entry matching t's receipt. Caller holds q.mu.
func (q *Queue) lookup(t queue.Task) (*stageQueue, *entry, bool) {
	sq := q.stage(t.Stage)
	e, ok := sq.entries[t.ID]
	if !ok {
		return nil, nil, false
	}
	if _, inFlight := sq.inFlight[t.ID]; !inFlight || e.task.Receipt != t.Receipt {
		return nil, nil, false
	}
	if !e.deadline.After(q.now()) {
		return nil, nil, false
	}
	return sq, e, true
}

// ExtendVisibility implements [queue.Queue].
func (q *Queue) ExtendVisibility(_ context.Context, t queue.Task, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, e, ok := q.lookup(t)
	if !ok {
		return queue.ErrTaskNotFound
	}
	e.deadline = q.now().Add(d)
	return nil
}

// Ack implements [queue.Queue].
func (q *Queue) Ack(_ context.Context, t queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, _, ok := q.lookup(t)
	if !ok {
		return queue.ErrTaskNotFound
	}
	delete(sq.inFlight, t.ID)
	delete(sq.entries, t.ID)
	return nil
}

// Len reports the number of ready plus in-flight tasks of stage.
func (q *Queue) Len(stage job.Stage) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.stage(stage).entries)
}

// Ping always succeeds. It lets the queue take part in readiness checks.
func (q *Queue) Ping(context.Context) error { return nil }

func clonePayload(p queue.Payload) queue.Payload {
	if p.Params != nil {
		params := make(map[string]string, len(p.Params))
		for k, v := range p.Params {
			params[k] = v
		}
		p.Params = params
	}
	return p
}
