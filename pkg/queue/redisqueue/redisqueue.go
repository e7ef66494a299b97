// Package redisqueue implements [queue.Queue] on Redis with go-redis.
//
// Per stage it keeps three structures (default prefix "callscribe"):
//
//	callscribe:q:{stage}:ready       LIST  task ids waiting for a receiver
//	callscribe:q:{stage}:inflight    ZSET  task ids scored by visibility deadline (unix ms)
//	callscribe:q:{stage}:task:{id}   HASH  payload, deliveries, receipt
//
// Receive runs a Lua script that atomically moves expired in-flight ids back
// to the ready list and claims up to max ready ids, so two receivers never
// get the same delivery. Redis has no blocking form of that script, so
// Receive polls it until wait elapses.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/queue"
)

var _ queue.Queue = (*Queue)(nil)

const (
	defaultPrefix       = "callscribe"
	defaultPollInterval = 200 * time.Millisecond
)

// receiveScript: KEYS = ready, inflight. ARGV = now_ms, deadline_ms, max,
// task key prefix, receipt seed.
var receiveScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local out = {}
for i = 1, tonumber(ARGV[3]) do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local tkey = ARGV[4] .. id
  if redis.call('EXISTS', tkey) == 1 then
    local receipt = ARGV[5] .. ':' .. i
    local n = redis.call('HINCRBY', tkey, 'deliveries', 1)
    redis.call('HSET', tkey, 'receipt', receipt)
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    table.insert(out, {id, redis.call('HGET', tkey, 'payload'), receipt, n})
  end
end
return out
`)

// extendScript: KEYS = inflight, task. ARGV = id, receipt, now_ms, deadline_ms.
var extendScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[2] then return 0 end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// ackScript: KEYS = inflight, task. ARGV = id, receipt, now_ms.
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[2] then return 0 end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// Option configures a [Queue].
type Option func(*Queue)

// WithPrefix sets the key prefix. Defaults to "callscribe".
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

// WithVisibility sets the visibility timeout applied on Receive.
func WithVisibility(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

// WithPollInterval sets how often an idle Receive re-runs the claim script.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.poll = d }
}

// WithClock replaces the time source used for visibility deadlines.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a Redis-backed task queue. It is safe for concurrent use.
type Queue struct {
	rdb        goredis.UniversalClient
	prefix     string
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

// New returns a [Queue] using rdb. The caller owns rdb and closes it.
func New(rdb goredis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{
		rdb:        rdb,
		prefix:     defaultPrefix,
		visibility: queue.DefaultVisibility,
		poll:       defaultPollInterval,
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Ping verifies the server is reachable. Used by readiness checks.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis queue: ping: %w", err)
	}
	return nil
}

func (q *Queue) base(stage job.Stage) string { return q.prefix + ":q:" + string(stage) }

func (q *Queue) readyKey(stage job.Stage) string { return q.base(stage) + ":ready" }

func (q *Queue) inflightKey(stage job.Stage) string { return q.base(stage) + ":inflight" }

func (q *Queue) taskPrefix(stage job.Stage) string { return q.base(stage) + ":task:" }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Enqueue implements [queue.Queue].
func (q *Queue) Enqueue(ctx context.Context, stage job.Stage, p queue.Payload) (string, error) {
	body, err := queue.EncodePayload(p)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.taskPrefix(stage)+id, "payload", string(body), "deliveries", 0)
		pipe.RPush(ctx, q.readyKey(stage), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis queue: enqueue: %w", err)
	}
	return id, nil
}

// Receive implements [queue.Queue].
func (q *Queue) Receive(ctx context.Context, stage job.Stage, max int, wait time.Duration) ([]queue.Task, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		tasks, err := q.claim(ctx, stage, max)
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			return tasks, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []queue.Task{}, nil
		}

		timer := time.NewTimer(min(remaining, q.poll))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, stage job.Stage, max int) ([]queue.Task, error) {
	now := q.now()
	raw, err := receiveScript.Run(ctx, q.rdb,
		[]string{q.readyKey(stage), q.inflightKey(stage)},
		ms(now), ms(now.Add(q.visibility)), max, q.taskPrefix(stage), uuid.NewString(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis queue: receive: %w", err)
	}

	tasks := make([]queue.Task, 0, len(raw))
	for _, item := range raw {
		row, ok := item.([]any)
		if !ok || len(row) != 4 {
			return nil, fmt.Errorf("redis queue: receive: unexpected script reply %T", item)
		}
		id, _ := row[0].(string)
		body, _ := row[1].(string)
		receipt, _ := row[2].(string)
		deliveries, _ := row[3].(int64)

		p, err := queue.DecodePayload([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("redis queue: task %s: %w", id, err)
		}
		tasks = append(tasks, queue.Task{
			ID:         id,
			Stage:      stage,
			Payload:    p,
			Receipt:    receipt,
			Deliveries: int(deliveries),
		})
	}
	return tasks, nil
}

// ExtendVisibility implements [queue.Queue].
func (q *Queue) ExtendVisibility(ctx context.Context, t queue.Task, d time.Duration) error {
	now := q.now()
	ok, err := extendScript.Run(ctx, q.rdb,
		[]string{q.inflightKey(t.Stage), q.taskPrefix(t.Stage) + t.ID},
		t.ID, t.Receipt, ms(now), ms(now.Add(d)),
	).Int()
	if err != nil {
		return fmt.Errorf("redis queue: extend visibility: %w", err)
	}
	if ok == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}

// Ack implements [queue.Queue].
func (q *Queue) Ack(ctx context.Context, t queue.Task) error {
	ok, err := ackScript.Run(ctx, q.rdb,
		[]string{q.inflightKey(t.Stage), q.taskPrefix(t.Stage) + t.ID},
		t.ID, t.Receipt, ms(q.now()),
	).Int()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return queue.ErrTaskNotFound
		}
		return fmt.Errorf("redis queue: ack: %w", err)
	}
	if ok == 0 {
		return queue.ErrTaskNotFound
	}
	return nil
}
