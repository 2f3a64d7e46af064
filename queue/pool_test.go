package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWorkerPool_EndToEndProcessesEnqueuedJob exercises the full
// dequeue/process/finish path a single WorkerPool drives, proving the
// Queue's scripts, Worker's poll loop, and Registry dispatch all agree on
// the same wire contract.
func TestWorkerPool_EndToEndProcessesEnqueuedJob(t *testing.T) {
	q, closeFn := newTestQueue(t, WithLease(time.Second), WithPollInterval(10*time.Millisecond))
	defer closeFn()

	var processed int32
	done := make(chan struct{})
	var once sync.Once

	registry := NewRegistry()
	registry.Register("noop", ProcessorFunc(func(ctx context.Context, job Job) error {
		atomic.AddInt32(&processed, 1)
		once.Do(func() { close(done) })
		return nil
	}))

	_, err := q.Enqueue(ValueJobID("job-1"), Job{Name: "noop"})
	require.NoError(t, err)

	pool := NewWorkerPool(q, registry, WithConcurrency(2))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed within timeout")
	}
	cancel()
	pool.Stop(time.Second)

	require.EqualValues(t, 1, atomic.LoadInt32(&processed))

	status, err := q.Status()
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Stats["succeeded"])
}

// TestWorkerPool_FailedJobRetriesThenSucceeds checks that a processor
// failing on its first attempt gets rescheduled and eventually succeeds,
// driven entirely by the scheduler promoting the retry back to pending.
func TestWorkerPool_FailedJobRetriesThenSucceeds(t *testing.T) {
	q, closeFn := newTestQueue(t, WithLease(time.Second), WithPollInterval(5*time.Millisecond),
		WithBackoffCalculator(func(uint32, time.Duration) time.Duration { return 5 * time.Millisecond }))
	defer closeFn()

	var attempts int32
	done := make(chan struct{})
	var once sync.Once

	registry := NewRegistry()
	registry.Register("flaky", ProcessorFunc(func(ctx context.Context, job Job) error {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return assertErr
		}
		once.Do(func() { close(done) })
		return nil
	}))

	_, err := q.Enqueue(ValueJobID("job-1"), Job{Name: "flaky", MaxRetries: 2})
	require.NoError(t, err)

	pool := NewWorkerPool(q, registry, WithConcurrency(1))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not succeed after retry within timeout")
	}
	cancel()
	pool.Stop(time.Second)

	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

// TestWorkerPool_StopGrantsGracePeriodToInFlightJob proves Stop's grace
// window actually delays workCtx cancellation: a processor that blocks
// past the caller's own ctx cancellation must still be allowed to finish
// on its own within grace, and report a real outcome rather than being
// aborted mid-run.
func TestWorkerPool_StopGrantsGracePeriodToInFlightJob(t *testing.T) {
	q, closeFn := newTestQueue(t, WithLease(5*time.Second), WithPollInterval(5*time.Millisecond))
	defer closeFn()

	started := make(chan struct{})
	release := make(chan struct{})

	registry := NewRegistry()
	registry.Register("slow", ProcessorFunc(func(ctx context.Context, job Job) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	_, err := q.Enqueue(ValueJobID("job-1"), Job{Name: "slow"})
	require.NoError(t, err)

	pool := NewWorkerPool(q, registry, WithConcurrency(1))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// Cancelling the caller's ctx (as cmd/queue-worker does on signal,
	// before Stop is even called) must not abort the in-flight job.
	cancel()
	close(release)

	pool.Stop(time.Second)

	status, err := q.Status()
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Stats["succeeded"], "in-flight job must get its grace period, not be aborted by ctx cancellation alone")
}

// TestWorkerPool_CooperativeCancelAbandonsLeaseWithoutFinishing proves a
// job flagged via Queue.Cancel while running is neither archived nor
// rescheduled by the worker itself — it's left for the lease to expire and
// the janitor to reclaim, per spec.md §4.5 step 4.
func TestWorkerPool_CooperativeCancelAbandonsLeaseWithoutFinishing(t *testing.T) {
	// Lease long enough that the job's own deadline (== lease, since it sets
	// no per-job Timeout) can't race with the cancel-flag check: the
	// lease/3 renew tick (at ~300ms) must fire and see the cancel flag well
	// before the 900ms natural deadline would.
	q, closeFn := newTestQueue(t, WithLease(900*time.Millisecond), WithPollInterval(5*time.Millisecond))
	defer closeFn()

	started := make(chan struct{})
	var startOnce sync.Once

	registry := NewRegistry()
	registry.Register("stubborn", ProcessorFunc(func(ctx context.Context, job Job) error {
		startOnce.Do(func() { close(started) })
		<-ctx.Done() // only returns once the cooperative-cancel flag trips this job's cancel()
		return ctx.Err()
	}))

	jobID, err := q.Enqueue(ValueJobID("job-1"), Job{Name: "stubborn", MaxRetries: 5})
	require.NoError(t, err)

	pool := NewWorkerPool(q, registry, WithConcurrency(1))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		cancel()
		pool.Stop(time.Second)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	loc, err := q.Cancel(jobID)
	require.NoError(t, err)
	require.Equal(t, LocationRunning, loc)

	// Give the worker's lease-renewal tick (lease/3, i.e. 300ms) time to
	// observe the cancel flag and abandon the lease — well short of the
	// job's own 900ms deadline — then assert no terminal outcome was ever
	// recorded for it.
	time.Sleep(500 * time.Millisecond)

	status, err := q.Status()
	require.NoError(t, err)
	require.Zero(t, status.Stats["succeeded"])
	require.Zero(t, status.Stats["failed"])
	require.Zero(t, status.Stats["retried"])
}

// TestWorkerPool_PayloadDeserializeErrorIsFatalNotRetried proves a bad
// payload archives the job immediately even though retries remain, instead
// of being rescheduled with backoff like an ordinary processor error.
func TestWorkerPool_PayloadDeserializeErrorIsFatalNotRetried(t *testing.T) {
	q, closeFn := newTestQueue(t, WithLease(time.Second), WithPollInterval(5*time.Millisecond))
	defer closeFn()

	type payload struct {
		N int `json:"n"`
	}
	registry := NewRegistry()
	registry.Register("typed", Typed(func(ctx context.Context, job Job, p payload) error {
		return nil
	}))

	_, err := q.Enqueue(ValueJobID("job-1"), Job{
		Name:       "typed",
		Payload:    []byte("not-json"),
		MaxRetries: 3,
	})
	require.NoError(t, err)

	pool := NewWorkerPool(q, registry, WithConcurrency(1))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer func() {
		cancel()
		pool.Stop(time.Second)
	}()

	require.Eventually(t, func() bool {
		status, err := q.Status()
		require.NoError(t, err)
		return status.Stats["failed"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, err := q.Status()
	require.NoError(t, err)
	require.Zero(t, status.Stats["retried"], "a bad payload must archive fatally, never retry")
}

var assertErr = testErr("boom")

type testErr string

func (e testErr) Error() string { return string(e) }
