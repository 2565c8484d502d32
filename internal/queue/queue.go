// Package queue is the work-item boundary between the API process and the
// prediction workers. The gateway only enqueues, cancels and looks up status;
// workers dequeue and report outcomes.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// FunctionPredict is the function name of a prediction work item.
const FunctionPredict = "nnunet.predict"

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Task describes a work item to enqueue.
type Task struct {
	Function  string
	Payload   json.RawMessage
	Timeout   time.Duration
	ResultTTL time.Duration
}

// Handle identifies an accepted work item.
type Handle struct {
	ID         string    `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Job is a dequeued work item as seen by a worker.
type Job struct {
	ID         string
	Function   string
	Payload    json.RawMessage
	Timeout    time.Duration
	ResultTTL  time.Duration
	EnqueuedAt time.Time
	StartedAt  time.Time
}

// JobStatus is the externally visible state of a work item.
type JobStatus struct {
	ID         string          `json:"job_id"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// Queue is the submitter side. Transport errors wrap apperr.ErrQueueUnavailable
// and unknown ids wrap apperr.ErrNotFound.
type Queue interface {
	Enqueue(ctx context.Context, task Task) (Handle, error)
	FetchStatus(ctx context.Context, id string) (JobStatus, error)
	// Cancel drops a queued item or marks a running one failed.
	Cancel(ctx context.Context, id string) error
}

// Consumer is the worker side.
type Consumer interface {
	// Dequeue claims the oldest queued item; ok is false when none is queued.
	Dequeue(ctx context.Context) (job Job, ok bool, err error)
	Finish(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id string, result json.RawMessage) error
}

// Broker is a backend serving both sides.
type Broker interface {
	Queue
	Consumer
	Close() error
}

// canceledResult is stored as the result of a running item that was cancelled.
var canceledResult = json.RawMessage(`{"status":"failed","reason":"canceled"}`)

func expired(endedAt time.Time, ttl time.Duration, now time.Time) bool {
	return !endedAt.IsZero() && ttl > 0 && now.After(endedAt.Add(ttl))
}
