// Package staging implements the transactional outbox producers write to
// before a job is durable: a row lands in the staging table in the same
// database transaction as whatever business state change triggered it, so
// a crash between "commit the business row" and "enqueue the job" is
// impossible. This package's Drain later moves staged rows into the
// broker.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// Operation classifies what a staging row asks the drain to do once
// applied to the broker, per spec.md §6's staging schema.
type Operation string

const (
	OpEnqueue Operation = "enqueue"
	OpUpdate  Operation = "update"
	OpRemove  Operation = "remove"
)

// WakeChannel is the Postgres NOTIFY channel producers signal on commit and
// Drain listens on, per spec.md §6.
const WakeChannel = "queue-stage"

// QueueJob describes a job to stage, mirroring
// original_source/queues/generic_stage.rs's QueueJob builder: queue name
// and payload required, everything else optional with broker-side
// defaults.
type QueueJob struct {
	Queue        string
	JobID        string // empty: drain lets queue.Enqueue mint one
	Payload      any    // marshaled to JSON at insert time
	Timeout      time.Duration
	MaxRetries   *uint32
	RunAt        *time.Time
	RetryBackoff time.Duration
}

// execer is satisfied by *sql.DB, *sql.Tx, and *sql.Conn — whatever
// transactional handle the caller's business logic is already using.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const insertStageRowSQL = `
INSERT INTO staging (queue, job_id, payload, timeout_ms, max_retries, run_at, retry_backoff_ms, operation)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Enqueue stages one job for insertion by the drain, within the caller's
// transaction tx. The caller is responsible for issuing `NOTIFY
// "queue-stage"` (or calling Notify) after commit.
func Enqueue(ctx context.Context, tx execer, job QueueJob) error {
	return enqueueRow(ctx, tx, job, OpEnqueue)
}

// EnqueueMany stages several jobs within tx, one insert per job, stopping
// at the first failure.
func EnqueueMany(ctx context.Context, tx execer, jobs []QueueJob) error {
	for _, j := range jobs {
		if err := enqueueRow(ctx, tx, j, OpEnqueue); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePending stages a run_at/payload change for a not-yet-applied or
// already-delivered job, applied by the drain via Queue.Update.
func UpdatePending(ctx context.Context, tx execer, job QueueJob) error {
	return enqueueRow(ctx, tx, job, OpUpdate)
}

// RemovePending stages a cancellation, applied by the drain via
// Queue.Cancel.
func RemovePending(ctx context.Context, tx execer, queue, jobID string) error {
	return enqueueRow(ctx, tx, QueueJob{Queue: queue, JobID: jobID}, OpRemove)
}

func enqueueRow(ctx context.Context, tx execer, job QueueJob, op Operation) error {
	var payload []byte
	if job.Payload != nil {
		b, err := json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("staging: marshal payload: %w", err)
		}
		payload = b
	}

	var maxRetries *int32
	if job.MaxRetries != nil {
		v := int32(*job.MaxRetries)
		maxRetries = &v
	}

	var timeoutMS, backoffMS *int64
	if job.Timeout > 0 {
		v := job.Timeout.Milliseconds()
		timeoutMS = &v
	}
	if job.RetryBackoff > 0 {
		v := job.RetryBackoff.Milliseconds()
		backoffMS = &v
	}

	var jobID *string
	if job.JobID != "" {
		jobID = &job.JobID
	}

	_, err := tx.ExecContext(ctx, insertStageRowSQL,
		job.Queue, jobID, payload, timeoutMS, maxRetries, job.RunAt, backoffMS, string(op))
	if err != nil {
		return fmt.Errorf("staging: insert %s row for queue %q: %w", op, job.Queue, err)
	}
	return nil
}

// Notify sends the wake notification on WakeChannel. Call after the
// transaction that staged rows has committed, not before — NOTIFY fired
// inside a transaction that then rolls back is wasted, and one fired
// before commit can race a Drain that queries before the rows are visible.
func Notify(ctx context.Context, conn execer) error {
	_, err := conn.ExecContext(ctx, `SELECT pg_notify($1, '')`, WakeChannel)
	if err != nil {
		return fmt.Errorf("staging: notify: %w", err)
	}
	return nil
}

// LockKey derives the session-scoped advisory lock key for a drain group,
// generalizing original_source/queues/generic_stage.rs's hardcoded
// `lock_key() -> 80235523425` into a per-group FNV-1a hash so distinct
// drain groups (spec.md's "generic", "er-action", "er-input") don't
// collide on the same advisory lock and block each other unnecessarily.
func LockKey(group string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(group))
	return int64(h.Sum64())
}
