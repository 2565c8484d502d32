package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"nnunetserver/internal/apperr"
)

type memoryJob struct {
	Job
	status  Status
	result  json.RawMessage
	endedAt time.Time
}

// MemoryQueue keeps work items in process. It backs tests and single-process
// deployments where the worker runs inline.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*memoryJob
	pending []string
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*memoryJob),
		now:  time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task) (Handle, error) {
	if task.Function == "" {
		return Handle{}, apperr.Errorf(apperr.ErrValidationFailed, "task function is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeLocked()

	now := q.now().UTC()
	id := uuid.NewString()
	q.jobs[id] = &memoryJob{
		Job: Job{
			ID:         id,
			Function:   task.Function,
			Payload:    append(json.RawMessage(nil), task.Payload...),
			Timeout:    task.Timeout,
			ResultTTL:  task.ResultTTL,
			EnqueuedAt: now,
		},
		status: StatusQueued,
	}
	q.pending = append(q.pending, id)
	return Handle{ID: id, EnqueuedAt: now}, nil
}

func (q *MemoryQueue) FetchStatus(_ context.Context, id string) (JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeLocked()

	j, ok := q.jobs[id]
	if !ok {
		return JobStatus{}, apperr.Errorf(apperr.ErrNotFound, "job %q not found", id)
	}
	st := JobStatus{
		ID:         j.ID,
		Status:     j.status,
		Result:     j.result,
		EnqueuedAt: j.EnqueuedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		st.StartedAt = &t
	}
	if !j.endedAt.IsZero() {
		t := j.endedAt
		st.EndedAt = &t
	}
	return st, nil
}

func (q *MemoryQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return apperr.Errorf(apperr.ErrNotFound, "job %q not found", id)
	}
	switch j.status {
	case StatusQueued:
		delete(q.jobs, id)
		q.dropPendingLocked(id)
	case StatusRunning:
		j.status = StatusFailed
		j.result = canceledResult
		j.endedAt = q.now().UTC()
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		j, ok := q.jobs[id]
		if !ok || j.status != StatusQueued {
			continue
		}
		j.status = StatusRunning
		j.StartedAt = q.now().UTC()
		return j.Job, true, nil
	}
	return Job{}, false, nil
}

func (q *MemoryQueue) Finish(_ context.Context, id string, result json.RawMessage) error {
	return q.end(id, StatusFinished, result)
}

func (q *MemoryQueue) Fail(_ context.Context, id string, result json.RawMessage) error {
	return q.end(id, StatusFailed, result)
}

func (q *MemoryQueue) Close() error { return nil }

func (q *MemoryQueue) end(id string, status Status, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return apperr.Errorf(apperr.ErrNotFound, "job %q not found", id)
	}
	if j.status != StatusRunning {
		// a cancelled item keeps its cancellation result
		return nil
	}
	j.status = status
	j.result = append(json.RawMessage(nil), result...)
	j.endedAt = q.now().UTC()
	return nil
}

func (q *MemoryQueue) dropPendingLocked(id string) {
	for i, p := range q.pending {
		if p == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *MemoryQueue) purgeLocked() {
	now := q.now()
	for id, j := range q.jobs {
		if expired(j.endedAt, j.ResultTTL, now) {
			delete(q.jobs, id)
		}
	}
}
