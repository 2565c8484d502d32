package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"nnunetserver/internal/apperr"
)

// PostgresQueue stores work items in a single table. Workers claim items
// with FOR UPDATE SKIP LOCKED so several processes can share one queue.
type PostgresQueue struct {
	db   *sql.DB
	name string

	// schemaMu guards schemaReady. Only success is remembered so a database
	// that comes up late is picked up by the next call.
	schemaMu    sync.Mutex
	schemaReady bool
}

// OpenPostgres connects through the pgx database/sql driver.
func OpenPostgres(dsn, name string) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, apperr.Errorf(apperr.ErrQueueUnavailable, "postgres queue requires a DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrQueueUnavailable, err, "open queue db")
	}
	return NewPostgresQueue(db, name), nil
}

func NewPostgresQueue(db *sql.DB, name string) *PostgresQueue {
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	return &PostgresQueue{db: db, name: name}
}

func (q *PostgresQueue) ensureSchema(ctx context.Context) error {
	q.schemaMu.Lock()
	defer q.schemaMu.Unlock()
	if q.schemaReady {
		return nil
	}
	if _, err := q.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS nnunet_jobs (
  id TEXT PRIMARY KEY,
  queue TEXT NOT NULL,
  function TEXT NOT NULL,
  payload JSONB NOT NULL,
  status TEXT NOT NULL DEFAULT 'queued',
  result JSONB,
  timeout_seconds BIGINT NOT NULL DEFAULT 0,
  result_ttl_seconds BIGINT NOT NULL DEFAULT 0,
  enqueued_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT clock_timestamp(),
  started_at TIMESTAMP WITH TIME ZONE,
  ended_at TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_nnunet_jobs_pending ON nnunet_jobs (queue, status, enqueued_at);
`); err != nil {
		return apperr.Wrap(apperr.ErrQueueUnavailable, err, "ensure queue schema")
	}
	q.schemaReady = true
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, task Task) (Handle, error) {
	if task.Function == "" {
		return Handle{}, apperr.Errorf(apperr.ErrValidationFailed, "task function is required")
	}
	if err := q.ensureSchema(ctx); err != nil {
		return Handle{}, err
	}
	if _, err := q.db.ExecContext(ctx, `
DELETE FROM nnunet_jobs
WHERE queue = $1 AND ended_at IS NOT NULL AND result_ttl_seconds > 0
  AND ended_at + result_ttl_seconds * INTERVAL '1 second' < NOW()`, q.name); err != nil {
		return Handle{}, apperr.Wrap(apperr.ErrQueueUnavailable, err, "purge expired jobs")
	}

	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	id := uuid.NewString()
	var enqueuedAt time.Time
	err := q.db.QueryRowContext(ctx, `
INSERT INTO nnunet_jobs (id, queue, function, payload, timeout_seconds, result_ttl_seconds)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING enqueued_at`,
		id, q.name, task.Function, string(payload),
		int64(task.Timeout/time.Second), int64(task.ResultTTL/time.Second),
	).Scan(&enqueuedAt)
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.ErrQueueUnavailable, err, "enqueue")
	}
	return Handle{ID: id, EnqueuedAt: enqueuedAt.UTC()}, nil
}

func (q *PostgresQueue) FetchStatus(ctx context.Context, id string) (JobStatus, error) {
	if err := q.ensureSchema(ctx); err != nil {
		return JobStatus{}, err
	}
	var (
		st        JobStatus
		status    string
		result    []byte
		started   sql.NullTime
		ended     sql.NullTime
		ttlSecond int64
	)
	err := q.db.QueryRowContext(ctx, `
SELECT id, status, result, enqueued_at, started_at, ended_at, result_ttl_seconds
FROM nnunet_jobs WHERE id = $1 AND queue = $2`, id, q.name).
		Scan(&st.ID, &status, &result, &st.EnqueuedAt, &started, &ended, &ttlSecond)
	if errors.Is(err, sql.ErrNoRows) {
		return JobStatus{}, apperr.Errorf(apperr.ErrNotFound, "job %q not found", id)
	}
	if err != nil {
		return JobStatus{}, apperr.Wrap(apperr.ErrQueueUnavailable, err, "fetch job status")
	}
	if ended.Valid && expired(ended.Time, time.Duration(ttlSecond)*time.Second, time.Now()) {
		return JobStatus{}, apperr.Errorf(apperr.ErrNotFound, "job %q not found", id)
	}
	st.Status = Status(status)
	st.EnqueuedAt = st.EnqueuedAt.UTC()
	if len(result) > 0 {
		st.Result = json.RawMessage(result)
	}
	if started.Valid {
		t := started.Time.UTC()
		st.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		st.EndedAt = &t
	}
	return st, nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, id string) error {
	if err := q.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM nnunet_jobs WHERE id = $1 AND queue = $2 AND status = 'queued'`, id, q.name)
	if err != nil {
		return apperr.Wrap(apperr.ErrQueueUnavailable, err, "cancel job")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	res, err = q.db.ExecContext(ctx, `
UPDATE nnunet_jobs SET status = 'failed', result = $3, ended_at = NOW()
WHERE id = $1 AND queue = $2 AND status = 'running'`, id, q.name, string(canceledResult))
	if err != nil {
		return apperr.Wrap(apperr.ErrQueueUnavailable, err, "cancel running job")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM nnunet_jobs WHERE id = $1 AND queue = $2)`, id, q.name).Scan(&exists); err != nil {
		return apperr.Wrap(apperr.ErrQueueUnavailable, err, "cancel job")
	}
	if !exists {
		return apperr.Errorf(apperr.ErrNotFound, "job %q not found", id)
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (Job, bool, error) {
	if err := q.ensureSchema(ctx); err != nil {
		return Job{}, false, err
	}
	var (
		j          Job
		payload    []byte
		timeoutSec int64
		ttlSec     int64
	)
	err := q.db.QueryRowContext(ctx, `
UPDATE nnunet_jobs SET status = 'running', started_at = NOW()
WHERE id = (
  SELECT id FROM nnunet_jobs
  WHERE queue = $1 AND status = 'queued'
  ORDER BY enqueued_at, id
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING id, function, payload, timeout_seconds, result_ttl_seconds, enqueued_at, started_at`, q.name).
		Scan(&j.ID, &j.Function, &payload, &timeoutSec, &ttlSec, &j.EnqueuedAt, &j.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, apperr.Wrap(apperr.ErrQueueUnavailable, err, "dequeue")
	}
	j.Payload = json.RawMessage(payload)
	j.Timeout = time.Duration(timeoutSec) * time.Second
	j.ResultTTL = time.Duration(ttlSec) * time.Second
	return j, true, nil
}

func (q *PostgresQueue) Finish(ctx context.Context, id string, result json.RawMessage) error {
	return q.end(ctx, id, StatusFinished, result)
}

func (q *PostgresQueue) Fail(ctx context.Context, id string, result json.RawMessage) error {
	return q.end(ctx, id, StatusFailed, result)
}

func (q *PostgresQueue) end(ctx context.Context, id string, status Status, result json.RawMessage) error {
	if err := q.ensureSchema(ctx); err != nil {
		return err
	}
	var arg any
	if len(result) > 0 {
		arg = string(result)
	}
	_, err := q.db.ExecContext(ctx, `
UPDATE nnunet_jobs SET status = $3, result = $4, ended_at = NOW()
WHERE id = $1 AND queue = $2 AND status = 'running'`, id, q.name, string(status), arg)
	if err != nil {
		return apperr.Wrap(apperr.ErrQueueUnavailable, err, "record job outcome")
	}
	return nil
}

func (q *PostgresQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
