package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phuslu/log"

	"github.com/sanyfan/jobqueue/queue"
)

// DefaultBatchSize matches original_source/queues/generic_stage.rs's
// `LIMIT 50`.
const DefaultBatchSize = 50

// DefaultDrainPollInterval bounds how long Drain waits for a NOTIFY before
// polling again on its own, covering the case where a NOTIFY is dropped
// (e.g. the listening connection reconnected mid-signal).
const DefaultDrainPollInterval = 5 * time.Second

// Resolver maps a staging row's queue name to the live *queue.Queue that
// should apply it. Callers typically back this with a map built at
// startup from configuration.
type Resolver func(queueName string) (*queue.Queue, bool)

// Drain moves staged rows into the broker, one queue group at a time.
// Only one Drain per group is ever active across a fleet of processes —
// coordinated via pg_try_advisory_lock — following
// original_source/queues/generic_stage.rs's QueueDrainer and the session
// lock pattern rezkam-mono's PostgresCoordinator.SubscribeToCancellations
// already demonstrates for LISTEN/NOTIFY over pgx.
type Drain struct {
	pool    *pgxpool.Pool
	group   string
	lockKey int64
	resolve Resolver

	batchSize    int
	pollInterval time.Duration
	onPass       func(queue.DrainStats)
}

// DrainOption configures a Drain at construction time.
type DrainOption func(*Drain)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) DrainOption {
	return func(d *Drain) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithDrainPollInterval overrides DefaultDrainPollInterval.
func WithDrainPollInterval(iv time.Duration) DrainOption {
	return func(d *Drain) {
		if iv > 0 {
			d.pollInterval = iv
		}
	}
}

// WithDrainObserver registers a callback invoked after every pass that
// read its batch (including empty ones, and ones whose rows failed to
// apply) with that pass's DrainStats. A pass that fails on a database
// error before or after applying its rows is not reported.
func WithDrainObserver(fn func(queue.DrainStats)) DrainOption {
	return func(d *Drain) { d.onPass = fn }
}

// NewDrain builds a Drain for the given group (its advisory lock key is
// derived via LockKey(group)), applying staged rows via resolve.
func NewDrain(pool *pgxpool.Pool, group string, resolve Resolver, opts ...DrainOption) *Drain {
	d := &Drain{
		pool:         pool,
		group:        group,
		lockKey:      LockKey(group),
		resolve:      resolve,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultDrainPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until ctx is cancelled, repeatedly trying to become the
// active drain for its group and, while active, draining passes on
// NOTIFY wake-ups (or the poll interval, whichever comes first). Losing
// the advisory lock's backing connection (e.g. a network blip) drops
// back to "try to acquire again" rather than exiting, per spec.md §6's
// exit-behavior contract.
func (d *Drain) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := d.runAsLeader(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().Str("group", d.group).Err(err).Dur("retry_in", backoff).Msg("drain leadership lost, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runAsLeader acquires the advisory lock on a dedicated connection and,
// once held, drains until the connection is lost or ctx is done.
func (d *Drain) runAsLeader(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("staging: acquire conn: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", d.lockKey).Scan(&acquired); err != nil {
		return fmt.Errorf("staging: try advisory lock: %w", err)
	}
	if !acquired {
		// Another process holds the lock for this group; that's normal,
		// not an error. Back off and let Run retry later.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
		return fmt.Errorf("staging: lock held by another drain instance")
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", d.lockKey)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{WakeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("staging: listen: %w", err)
	}

	log.Info().Str("group", d.group).Int64("lock_key", d.lockKey).Msg("drain acquired leadership")

	for {
		n, err := d.pass(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			// More rows may already be waiting; don't sleep at all.
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, d.pollInterval)
		_, err = conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && waitCtx.Err() == nil {
			// A real connection error, not just our own timeout firing.
			return fmt.Errorf("staging: wait for notification: %w", err)
		}
	}
}

// pass performs one drain batch: claim up to batchSize rows, apply each
// to its resolved queue, and delete the claimed rows, all in one
// transaction. Any application failure rolls the whole pass back so the
// rows remain staged for the next attempt — never delete a row whose
// broker-side effect didn't happen.
func (d *Drain) pass(ctx context.Context) (int, error) {
	start := time.Now()
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("staging: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, queue, job_id, payload, timeout_ms, max_retries, run_at, retry_backoff_ms, operation
FROM staging
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("staging: select batch: %w", err)
	}

	type stagedRow struct {
		id           int64
		queueName    string
		jobID        *string
		payload      []byte
		timeoutMS    *int64
		maxRetries   *int32
		runAt        *time.Time
		backoffMS    *int64
		operation    string
	}

	var batch []stagedRow
	for rows.Next() {
		var r stagedRow
		if err := rows.Scan(&r.id, &r.queueName, &r.jobID, &r.payload, &r.timeoutMS, &r.maxRetries, &r.runAt, &r.backoffMS, &r.operation); err != nil {
			rows.Close()
			return 0, fmt.Errorf("staging: scan row: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("staging: iterate batch: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("staging: commit empty pass: %w", err)
		}
		d.report(0, 0, start)
		return 0, nil
	}

	var errored int
	var maxID int64
	for _, r := range batch {
		if r.id > maxID {
			maxID = r.id
		}
		if err := d.apply(r.queueName, r.jobID, r.payload, r.timeoutMS, r.maxRetries, r.runAt, r.backoffMS, Operation(r.operation)); err != nil {
			errored++
			log.Error().Str("group", d.group).Str("queue", r.queueName).Int64("staging_id", r.id).Err(err).Msg("drain apply failed")
		}
	}
	if errored > 0 {
		// Leave the whole batch staged; a partially-applied batch would
		// silently duplicate the rows that did succeed on the next pass,
		// but the broker's enqueue/update/cancel scripts are idempotent
		// on job_id, so a safe retry is preferable to bookkeeping which
		// rows already landed.
		d.report(0, errored, start)
		return 0, fmt.Errorf("staging: %d/%d rows in batch failed to apply", errored, len(batch))
	}

	if _, err := tx.Exec(ctx, "DELETE FROM staging WHERE id <= $1", maxID); err != nil {
		return 0, fmt.Errorf("staging: delete applied batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("staging: commit pass: %w", err)
	}

	d.report(len(batch), 0, start)
	return len(batch), nil
}

func (d *Drain) apply(queueName string, jobID *string, payload []byte, timeoutMS *int64, maxRetries *int32, runAt *time.Time, backoffMS *int64, op Operation) error {
	q, ok := d.resolve(queueName)
	if !ok {
		return fmt.Errorf("staging: no queue registered for %q", queueName)
	}

	var id queue.JobID
	if jobID != nil && *jobID != "" {
		id = queue.ValueJobID(*jobID)
	} else {
		id = queue.AutoJobID()
	}

	switch op {
	case OpEnqueue:
		job := queue.Job{Payload: payload}
		if timeoutMS != nil {
			job.Timeout = time.Duration(*timeoutMS) * time.Millisecond
		}
		if maxRetries != nil {
			job.MaxRetries = uint32(*maxRetries)
		}
		if runAt != nil {
			job.RunAt = *runAt
		}
		if backoffMS != nil {
			job.RetryBackoff = time.Duration(*backoffMS) * time.Millisecond
		}
		_, err := q.Enqueue(id, job)
		if errors.Is(err, queue.ErrDuplicateJobID) {
			// Already applied by an earlier pass that was rolled back.
			return nil
		}
		return err
	case OpUpdate:
		if jobID == nil {
			return fmt.Errorf("staging: update row missing job_id")
		}
		var payloadArg []byte
		if len(payload) > 0 {
			payloadArg = payload
		}
		_, err := q.Update(*jobID, runAt, payloadArg)
		return err
	case OpRemove:
		if jobID == nil {
			return fmt.Errorf("staging: remove row missing job_id")
		}
		_, err := q.Cancel(*jobID)
		if errors.Is(err, queue.ErrJobNotFound) {
			// Nothing left to remove, e.g. an earlier rolled-back pass
			// already did.
			return nil
		}
		return err
	default:
		return fmt.Errorf("staging: unknown operation %q", op)
	}
}

func (d *Drain) report(moved, errored int, start time.Time) {
	if d.onPass == nil {
		return
	}
	d.onPass(queue.DrainStats{
		Moved:      moved,
		Errored:    errored,
		DurationMS: time.Since(start).Milliseconds(),
	})
}
