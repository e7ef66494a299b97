// Package queue defines the task queue contract between the gateway, the
// retry sweeper and the stage workers.
//
// Delivery is at-least-once with a visibility timeout: a received task is
// hidden from other receivers until it is acknowledged or its visibility
// deadline passes, after which it is delivered again. Consumers must
// therefore be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callscribe/pkg/job"
)

// DefaultVisibility is the visibility timeout applied to received tasks when
// an implementation is not configured otherwise.
const DefaultVisibility = 30 * time.Second

// ErrTaskNotFound is returned by [Queue.Ack] and [Queue.ExtendVisibility]
// when the receipt is unknown or has expired and the task was redelivered.
var ErrTaskNotFound = errors.New("queue: task not found")

// Payload is the body of a stage task.
type Payload struct {
	JobID string `json:"job_id"`

	// InputKey is the blob key the stage reads.
	InputKey string `json:"input_key"`

	// Params carries optional stage parameters.
	Params map[string]string `json:"params,omitempty"`

	// TraceContext carries the enqueuer's W3C trace context so the worker
	// span joins the same trace.
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// Task is one delivery of a payload to a receiver.
type Task struct {
	ID      string
	Stage   job.Stage
	Payload Payload

	// Receipt identifies this particular delivery. A redelivered task gets a
	// new receipt and stale receipts are rejected.
	Receipt string

	// Deliveries counts how many times the task has been handed out,
	// including this one.
	Deliveries int
}

// Queue is the task queue contract. All methods must be safe for concurrent
// use.
type Queue interface {
	// Enqueue appends a task for stage and returns its id.
	Enqueue(ctx context.Context, stage job.Stage, p Payload) (string, error)

	// Receive blocks up to wait for at least one task of stage and returns at
	// most max tasks. It returns an empty slice when wait elapses.
	Receive(ctx context.Context, stage job.Stage, max int, wait time.Duration) ([]Task, error)

	// ExtendVisibility pushes the visibility deadline of t to now+d.
	ExtendVisibility(ctx context.Context, t Task, d time.Duration) error

	// Ack removes t permanently.
	Ack(ctx context.Context, t Task) error
}

// EncodePayload serialises p for backends that store raw bytes.
func EncodePayload(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload is the inverse of [EncodePayload].
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("queue: decode payload: %w", err)
	}
	return p, nil
}
