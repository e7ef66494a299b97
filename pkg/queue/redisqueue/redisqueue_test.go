package redisqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/queue"
	"github.com/MrWong99/callscribe/pkg/queue/redisqueue"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts ...redisqueue.Option) *redisqueue.Queue {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisqueue.New(rdb, opts...)
}

func TestEnqueueReceiveAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t)

	want := queue.Payload{JobID: "j1", InputKey: "converted/j1.wav", Params: map[string]string{"lang": "ko"}}
	id, err := q.Enqueue(ctx, job.StageTranscription, want)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, job.StageTranscription, queue.Payload{JobID: "j2"}); err != nil {
		t.Fatal(err)
	}

	tasks, err := q.Receive(ctx, job.StageTranscription, 1, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Receive returned %d tasks, want 1", len(tasks))
	}
	got := tasks[0]
	if got.ID != id || got.Stage != job.StageTranscription || got.Deliveries != 1 {
		t.Errorf("task = %+v", got)
	}
	if got.Payload.JobID != want.JobID || got.Payload.InputKey != want.InputKey || got.Payload.Params["lang"] != "ko" {
		t.Errorf("payload = %+v, want %+v", got.Payload, want)
	}

	if err := q.ExtendVisibility(ctx, got, time.Minute); err != nil {
		t.Errorf("ExtendVisibility: %v", err)
	}
	if err := q.Ack(ctx, got); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := q.Ack(ctx, got); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Errorf("second Ack error = %v, want ErrTaskNotFound", err)
	}

	rest, err := q.Receive(ctx, job.StageTranscription, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].Payload.JobID != "j2" {
		t.Errorf("remaining = %+v, want j2", rest)
	}
}

func TestVisibilityExpiryRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, redisqueue.WithVisibility(30*time.Second), redisqueue.WithClock(clock.Now))

	if _, err := q.Enqueue(ctx, job.StageConversion, queue.Payload{JobID: "j"}); err != nil {
		t.Fatal(err)
	}
	first, err := q.Receive(ctx, job.StageConversion, 1, 0)
	if err != nil || len(first) != 1 {
		t.Fatalf("first Receive = %v, %v", first, err)
	}

	clock.Advance(10 * time.Second)
	if got, _ := q.Receive(ctx, job.StageConversion, 1, 0); len(got) != 0 {
		t.Fatal("task redelivered before visibility expired")
	}

	clock.Advance(25 * time.Second)
	second, err := q.Receive(ctx, job.StageConversion, 1, 0)
	if err != nil || len(second) != 1 {
		t.Fatalf("second Receive = %v, %v", second, err)
	}
	if second[0].ID != first[0].ID || second[0].Deliveries != 2 {
		t.Errorf("redelivery = %+v, want same id with Deliveries=2", second[0])
	}
	if second[0].Receipt == first[0].Receipt {
		t.Error("redelivery reused the old receipt")
	}

	if err := q.ExtendVisibility(ctx, first[0], time.Minute); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Errorf("ExtendVisibility(stale) error = %v, want ErrTaskNotFound", err)
	}
	if err := q.Ack(ctx, first[0]); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Errorf("Ack(stale) error = %v, want ErrTaskNotFound", err)
	}
	if err := q.Ack(ctx, second[0]); err != nil {
		t.Errorf("Ack: %v", err)
	}
}

func TestReceiveWaitsThenTimesOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, redisqueue.WithPollInterval(10*time.Millisecond))

	start := time.Now()
	tasks, err := q.Receive(ctx, job.StageSummarization, 5, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Receive = %d tasks, want 0", len(tasks))
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Receive returned before wait elapsed")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Enqueue(ctx, job.StageSummarization, queue.Payload{JobID: "late"})
	}()
	tasks, err = q.Receive(ctx, job.StageSummarization, 5, 2*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Payload.JobID != "late" {
		t.Errorf("Receive = %+v, want the late task", tasks)
	}
}
