package queue

import (
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"
)

// DefaultLease is the broker-side lease length used when a job doesn't set
// a shorter timeout of its own, per spec.md §4.2.
const DefaultLease = 60 * time.Second

// DefaultPollInterval is the scheduler tick cadence used when a queue
// doesn't override it, per spec.md §4.2.
const DefaultPollInterval = 1 * time.Second

// Queue is the typed front to the broker: it owns key derivation and holds
// immutable references to the registered atomic scripts, generalizing the
// teacher's WorkerPool (which owned a *redis.Pool, namespace, and a single
// fetch script) to the full enqueue/update/cancel/status surface spec.md
// requires.
type Queue struct {
	pool *redis.Pool
	name string
	keys keys

	lease               time.Duration
	defaultMaxRetries    uint32
	pollInterval        time.Duration
	maxBackoff          time.Duration
	backoff             BackoffCalculator

	scripts scripts
}

// Option configures a Queue at construction time, following the functional
// options style already used in the pack (rezkam-mono's worker.Option).
type Option func(*Queue)

// WithPrefix sets the global key prefix prepended to every derived key.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		q.keys = newKeys(prefix, q.name)
	}
}

// WithLease sets the lease length (and default per-attempt timeout) used
// when a job doesn't specify its own. Default spec.md §4.2 value is 60s.
func WithLease(d time.Duration) Option {
	return func(q *Queue) { q.lease = d }
}

// WithDefaultMaxRetries sets the max_retries applied to jobs enqueued
// without an explicit value. Default is 0 (no retry).
func WithDefaultMaxRetries(n uint32) Option {
	return func(q *Queue) { q.defaultMaxRetries = n }
}

// WithPollInterval sets the scheduler tick cadence for this queue.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithMaxBackoff bounds the computed retry delay (spec.md §4.1's
// max_delay, default 15 minutes).
func WithMaxBackoff(d time.Duration) Option {
	return func(q *Queue) { q.maxBackoff = d }
}

// WithBackoffCalculator overrides the default exponential-with-jitter
// backoff law for this queue.
func WithBackoffCalculator(b BackoffCalculator) Option {
	return func(q *Queue) { q.backoff = b }
}

// New constructs a Queue bound to the given connection pool and name,
// generalizing the teacher's NewWorkerPool(ctx, concurrency, namespace,
// pool *redis.Pool) constructor to the broker-client role alone (workers
// are a separate concern, see WorkerPool).
func New(pool *redis.Pool, name string, opts ...Option) *Queue {
	if pool == nil {
		panic("queue: New needs a non-nil *redis.Pool")
	}
	q := &Queue{
		pool:              pool,
		name:              name,
		keys:              newKeys("", name),
		lease:             DefaultLease,
		defaultMaxRetries: 0,
		pollInterval:      DefaultPollInterval,
		maxBackoff:        DefaultMaxBackoff,
		scripts:           newScripts(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.backoff == nil {
		q.backoff = defaultBackoff(q.maxBackoff)
	}
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// PollInterval returns the configured scheduler tick cadence.
func (q *Queue) PollInterval() time.Duration { return q.pollInterval }

// Lease returns the configured default lease length.
func (q *Queue) Lease() time.Duration { return q.lease }

func (q *Queue) conn() redis.Conn {
	return q.pool.Get()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// jobFields flattens the mutable subset of a Job's fields into HSET-style
// field/value ARGV pairs. timeout/max_retries/retry_backoff/run_at are
// written once at enqueue time; the broker scripts own started_at,
// ended_at, succeeded, current_retries thereafter.
func jobFields(j Job) []interface{} {
	args := make([]interface{}, 0, 14)
	args = append(args, fieldPayload, j.Payload)
	if j.Timeout > 0 {
		args = append(args, fieldTimeout, j.Timeout.Milliseconds())
	}
	args = append(args, fieldMaxRetries, int64(j.MaxRetries))
	args = append(args, fieldCurrentRetries, int64(j.CurrentRetries))
	if j.RetryBackoff > 0 {
		args = append(args, fieldRetryBackoff, j.RetryBackoff.Milliseconds())
	}
	if !j.RunAt.IsZero() {
		args = append(args, fieldRunAt, j.RunAt.UnixMilli())
	}
	args = append(args, fieldEnqueuedAt, nowMillis())
	if j.Name != "" {
		args = append(args, fieldName, j.Name)
	}
	return args
}

// Enqueue stages a job for immediate or scheduled delivery. It is a thin,
// direct-to-broker path; in the full system, producers normally go through
// internal/staging so the enqueue participates in a database transaction
// (spec.md §4.3). Queue.Enqueue is what the staging drain calls once a row
// has been committed, and is also useful standalone for tests and
// non-transactional callers.
func (q *Queue) Enqueue(id JobID, j Job) (string, error) {
	jobID := id.Make()
	if j.MaxRetries == 0 && q.defaultMaxRetries > 0 {
		j.MaxRetries = q.defaultMaxRetries
	}

	conn := q.conn()
	defer conn.Close()

	runAt := ""
	if !j.RunAt.IsZero() {
		runAt = fmt.Sprintf("%d", j.RunAt.UnixMilli())
	}

	args := redis.Args{}.
		Add(q.keys.pending, q.keys.scheduled, q.keys.running, q.keys.job(jobID), q.keys.stats).
		Add(jobID, nowMillis(), runAt, j.Name).
		Add(jobFields(j)...)

	ok, err := redis.Int(q.scripts.enqueue.Do(conn, args...))
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s/%s: %w", q.name, jobID, err)
	}
	if ok == 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJobID, jobID)
	}
	return jobID, nil
}

// Update alters a pending or scheduled job's run_at and/or payload. Per
// spec.md §9's resolved open question, a nil newPayload means "leave the
// payload unchanged"; pass NoPayloadUpdate (also nil) explicitly for
// clarity, or any non-empty slice to replace it. Mirroring the original Lua
// sentinel this is ported from, a zero-length slice is indistinguishable
// from nil at the wire level and also leaves the payload unchanged, so an
// empty replacement payload cannot be set.
func (q *Queue) Update(jobID string, newRunAt *time.Time, newPayload []byte) (bool, error) {
	conn := q.conn()
	defer conn.Close()

	runAt := ""
	if newRunAt != nil {
		runAt = fmt.Sprintf("%d", newRunAt.UnixMilli())
	}

	reply, err := redis.String(q.scripts.update.Do(conn,
		q.keys.pending, q.keys.scheduled, q.keys.running, q.keys.job(jobID),
		jobID, runAt, newPayload))
	if err != nil {
		return false, fmt.Errorf("queue: update %s/%s: %w", q.name, jobID, err)
	}

	switch reply {
	case "updated":
		return true, nil
	case "running":
		return false, fmt.Errorf("%w: %s", ErrJobRunning, jobID)
	case "not_found":
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	default:
		return false, fmt.Errorf("queue: update %s/%s: unexpected reply %q", q.name, jobID, reply)
	}
}

// Cancel removes a job from pending or scheduled state, or flags it for
// cooperative cancellation if already running (spec.md §4.1 "cancel").
func (q *Queue) Cancel(jobID string) (Location, error) {
	conn := q.conn()
	defer conn.Close()

	reply, err := redis.String(q.scripts.cancel.Do(conn,
		q.keys.pending, q.keys.scheduled, q.keys.running, q.keys.job(jobID), jobID))
	if err != nil {
		return LocationNone, fmt.Errorf("queue: cancel %s/%s: %w", q.name, jobID, err)
	}

	switch reply {
	case "pending":
		return LocationPending, nil
	case "scheduled":
		return LocationScheduled, nil
	case "running":
		return LocationRunning, nil
	default:
		return LocationNone, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
}

// JobInfo returns the broker's current view of a job, or ErrJobNotFound if
// its hash has expired or never existed.
func (q *Queue) JobInfo(jobID string) (*Job, error) {
	conn := q.conn()
	defer conn.Close()

	raw, err := redis.StringMap(conn.Do("HGETALL", q.keys.job(jobID)))
	if err != nil {
		return nil, fmt.Errorf("queue: job_info %s/%s: %w", q.name, jobID, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return jobFromHash(jobID, raw), nil
}

// GetJob is an alias for JobInfo kept for parity with spec.md's
// Queue::get_job name.
func (q *Queue) GetJob(jobID string) (*Job, error) { return q.JobInfo(jobID) }

// Status reports the live queue-depth counts and cumulative stats, per
// spec.md §6's Queue::status operation.
type Status struct {
	Pending   int64
	Scheduled int64
	Running   int64
	Stats     map[string]int64
}

// Status returns the current queue depths and cumulative counters.
func (q *Queue) Status() (Status, error) {
	conn := q.conn()
	defer conn.Close()

	pending, err := redis.Int64(conn.Do("LLEN", q.keys.pending))
	if err != nil {
		return Status{}, fmt.Errorf("queue: status %s: %w", q.name, err)
	}
	scheduled, err := redis.Int64(conn.Do("ZCARD", q.keys.scheduled))
	if err != nil {
		return Status{}, fmt.Errorf("queue: status %s: %w", q.name, err)
	}
	running, err := redis.Int64(conn.Do("ZCARD", q.keys.running))
	if err != nil {
		return Status{}, fmt.Errorf("queue: status %s: %w", q.name, err)
	}
	rawStats, err := redis.Int64Map(conn.Do("HGETALL", q.keys.stats))
	if err != nil {
		return Status{}, fmt.Errorf("queue: status %s: %w", q.name, err)
	}

	return Status{Pending: pending, Scheduled: scheduled, Running: running, Stats: rawStats}, nil
}

// dequeueResult is the internal payload returned from the broker's
// dequeue script, consumed only by Worker.
type dequeueResult struct {
	jobID string
	job   Job
}

// dequeue pops the next pending job (if any) and leases it. Returns
// (nil, nil) when pending is empty; callers implement the "blocking-pop
// wrapper" of spec.md §4.1 by polling this with backoff, the same way the
// teacher's worker.fetchJob is wrapped by worker.loop's timer-driven
// retries. A zero leaseFor uses the queue's lease.
func (q *Queue) dequeue(leaseFor time.Duration) (*dequeueResult, error) {
	if leaseFor == 0 {
		leaseFor = q.lease
	}
	conn := q.conn()
	defer conn.Close()

	now := nowMillis()
	expiry := time.Now().Add(leaseFor).UnixMilli()

	reply, err := redis.Values(q.scripts.dequeue.Do(conn,
		q.keys.pending, q.keys.running,
		now, expiry, q.keys.jobPrefix))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", q.name, err)
	}
	if len(reply) == 0 {
		return nil, nil
	}

	var jobID string
	var rawHash []interface{}
	if _, err := redis.Scan(reply, &jobID, &rawHash); err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: decode: %w", q.name, err)
	}

	hash, err := redis.StringMap(rawHash, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: decode hash: %w", q.name, err)
	}

	j := jobFromHash(jobID, hash)
	return &dequeueResult{jobID: jobID, job: *j}, nil
}

// extendLease renews a held lease. Returns false if the job is no longer
// in running (another worker or the janitor already reclaimed it).
func (q *Queue) extendLease(jobID string, leaseFor time.Duration) (bool, error) {
	conn := q.conn()
	defer conn.Close()

	expiry := time.Now().Add(leaseFor).UnixMilli()
	ok, err := redis.Int(q.scripts.extendLease.Do(conn, q.keys.running, jobID, expiry))
	if err != nil {
		return false, fmt.Errorf("queue: extend_lease %s/%s: %w", q.name, jobID, err)
	}
	return ok == 1, nil
}

// finish reports a terminal or retryable outcome for a leased job, per
// spec.md §4.1's finish contract. currentRetries/maxRetries/retryBackoff
// are the job's last-known values (from the dequeue result or a prior
// JobInfo call); finish computes whether a retry is warranted and, if so,
// the next_run time using the queue's BackoffCalculator before handing the
// decision to the atomic script — mirroring the teacher's addToRetry,
// which likewise computes backoff in Go before a single MULTI/EXEC.
func (q *Queue) finish(jobID string, success bool, errDetails string, currentRetries, maxRetries uint32, retryBackoff time.Duration) (Outcome, error) {
	conn := q.conn()
	defer conn.Close()

	now := nowMillis()
	successArg := "0"
	if success {
		successArg = "1"
	}

	willRetry := "0"
	var newCR uint32
	var nextRun int64
	if !success && currentRetries < maxRetries {
		willRetry = "1"
		newCR = currentRetries + 1
		delay := q.backoff(newCR, retryBackoff)
		nextRun = time.Now().Add(delay).UnixMilli()
	}

	reply, err := redis.String(q.scripts.finish.Do(conn,
		q.keys.running, q.keys.scheduled, q.keys.job(jobID), q.keys.stats,
		jobID, successArg, errDetails, now, willRetry, int64(newCR), nextRun))
	if err != nil {
		return OutcomeStolen, fmt.Errorf("queue: finish %s/%s: %w", q.name, jobID, err)
	}

	switch reply {
	case "succeeded":
		return OutcomeSucceeded, nil
	case "retry_scheduled":
		return OutcomeRetryScheduled, nil
	case "failed_final":
		return OutcomeFailedFinal, nil
	case "stolen":
		return OutcomeStolen, ErrJobStolen
	default:
		return OutcomeStolen, fmt.Errorf("queue: finish %s/%s: unexpected reply %q", q.name, jobID, reply)
	}
}

// promoteDue moves all scheduled jobs whose run_at has arrived to the tail
// of pending, in ascending (run_at, id) order. Returns the count moved.
func (q *Queue) promoteDue() (int, error) {
	conn := q.conn()
	defer conn.Close()

	n, err := redis.Int(q.scripts.promoteDue.Do(conn, q.keys.scheduled, q.keys.pending, nowMillis()))
	if err != nil {
		return 0, fmt.Errorf("queue: promote_due %s: %w", q.name, err)
	}
	return n, nil
}

// nextScheduledAt returns the run_at of the soonest scheduled job, used by
// the scheduler tick's adaptive interval (spec.md §4.4).
func (q *Queue) nextScheduledAt() (time.Time, bool, error) {
	conn := q.conn()
	defer conn.Close()

	reply, err := redis.Values(conn.Do("ZRANGE", q.keys.scheduled, 0, 0, "WITHSCORES"))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("queue: next_scheduled %s: %w", q.name, err)
	}
	if len(reply) < 2 {
		return time.Time{}, false, nil
	}
	var id string
	var score int64
	if _, err := redis.Scan(reply, &id, &score); err != nil {
		return time.Time{}, false, fmt.Errorf("queue: next_scheduled %s: decode: %w", q.name, err)
	}
	return time.UnixMilli(score), true, nil
}

// sweepExpired returns job ids whose lease has expired (running score <=
// now), for the janitor to reclaim per spec.md §4.6.
func (q *Queue) sweepExpired() ([]string, error) {
	conn := q.conn()
	defer conn.Close()

	ids, err := redis.Strings(q.scripts.sweepExpired.Do(conn, q.keys.running, nowMillis()))
	if err != nil {
		return nil, fmt.Errorf("queue: sweep_expired %s: %w", q.name, err)
	}
	return ids, nil
}

// cancelled reports whether a running job has been flagged for
// cooperative cancellation via Cancel.
func (q *Queue) cancelled(jobID string) (bool, error) {
	conn := q.conn()
	defer conn.Close()

	v, err := redis.String(conn.Do("HGET", q.keys.job(jobID), "cnl"))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: cancelled %s/%s: %w", q.name, jobID, err)
	}
	return v == "1", nil
}

func jobFromHash(id string, h map[string]string) *Job {
	j := &Job{ID: id}
	j.Payload = []byte(h[fieldPayload])
	j.Name = h[fieldName]
	if v, ok := h[fieldTimeout]; ok {
		j.Timeout = parseMillis(v)
	}
	if v, ok := h[fieldMaxRetries]; ok {
		j.MaxRetries = uint32(parseUint(v))
	}
	if v, ok := h[fieldCurrentRetries]; ok {
		j.CurrentRetries = uint32(parseUint(v))
	}
	if v, ok := h[fieldRetryBackoff]; ok {
		j.RetryBackoff = parseMillis(v)
	}
	if v, ok := h[fieldRunAt]; ok {
		j.RunAt = parseTime(v)
	}
	if v, ok := h[fieldEnqueuedAt]; ok {
		j.EnqueuedAt = parseTime(v)
	}
	if v, ok := h[fieldStartedAt]; ok {
		j.StartedAt = parseTime(v)
	}
	if v, ok := h[fieldEndedAt]; ok {
		j.EndedAt = parseTime(v)
	}
	j.Succeeded = parseSucceeded(h[fieldSucceeded])
	j.ErrorDetails = h[fieldErrorDetails]
	return j
}

func parseMillis(s string) time.Duration {
	return time.Duration(parseUint(s)) * time.Millisecond
}

func parseTime(s string) time.Time {
	ms := parseInt(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseUint(s string) uint64 {
	var v uint64
	fmt.Sscanf(s, "%d", &v)
	return v
}

func parseInt(s string) int64 {
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}
