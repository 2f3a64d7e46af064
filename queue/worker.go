package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// sleepBackoffsInMilliseconds is the teacher's own empty-queue poll
// backoff ladder (worker.go), reused verbatim: a worker that repeatedly
// finds nothing pending backs off up to 5s between polls instead of
// busy-looping.
var sleepBackoffsInMilliseconds = []int64{0, 10, 100, 1000, 5000}

// Worker runs one dequeue/process/finish loop. A WorkerPool (pool.go)
// supervises N of these, generalizing the teacher's per-goroutine worker
// model (worker.go's `loop`) from a single reflection-dispatched jobType
// map to the Registry/Processor pair.
type Worker struct {
	id       string
	queue    *Queue
	registry *Registry
	observer Observer

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWorker(q *Queue, r *Registry, obs Observer) *Worker {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Worker{
		id:       makeIdentifier(),
		queue:    q,
		registry: r,
		observer: obs,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// run is the per-worker loop, the direct generalization of the teacher's
// worker.loop: poll, process if found, else back off with the same
// ladder. pollCtx governs whether the loop picks up new work (cancelled as
// soon as shutdown begins, per spec.md §4.5 step 1 "stop accepting new
// jobs"); workCtx bounds in-flight job execution and is cancelled
// separately, only once WorkerPool.Stop's grace period elapses, so a job
// already running when shutdown starts isn't aborted mid-lease just
// because polling stopped. Returns when stopCh closes.
func (w *Worker) run(pollCtx, workCtx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(w.doneCh)

	var consecutiveNoJobs int

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return
		case <-w.stopCh:
			return
		case <-timer.C:
			found, err := w.pollOnce(workCtx)
			if err != nil {
				log.Error().Str("worker", w.id).Str("queue", w.queue.Name()).Err(err).Msg("dequeue failed")
				timer.Reset(10 * time.Millisecond)
				continue
			}
			if found {
				consecutiveNoJobs = 0
				timer.Reset(0)
				continue
			}
			consecutiveNoJobs++
			idx := consecutiveNoJobs
			if idx >= len(sleepBackoffsInMilliseconds) {
				idx = len(sleepBackoffsInMilliseconds) - 1
			}
			timer.Reset(time.Duration(sleepBackoffsInMilliseconds[idx]) * time.Millisecond)
		}
	}
}

// pollOnce dequeues at most one job and processes it to completion,
// reporting whether a job was found.
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	d, err := w.queue.dequeue(w.queue.lease)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	w.process(ctx, d.jobID, d.job)
	return true, nil
}

// process runs a single leased job to completion: it bounds execution by
// min(job.Timeout, lease), uses that bound as the job's lease, extends the
// lease at a third of it so a
// slow-but-alive job isn't reclaimed by the janitor out from under it, and
// polls the cooperative-cancellation flag on the same cadence, matching
// the teacher's processJob timeout-select pattern generalized from a fixed
// per-jobType timeout to the spec's per-job lease/timeout pair.
func (w *Worker) process(ctx context.Context, jobID string, job Job) {
	lease := w.queue.lease
	timeout := job.Timeout
	if timeout <= 0 || timeout > lease {
		timeout = lease
	}
	if timeout < lease {
		// A job's own timeout is its lease: shorten the one dequeue granted
		// and renew by that length from here on.
		lease = timeout
		if _, err := w.queue.extendLease(jobID, lease); err != nil {
			log.Warn().Str("worker", w.id).Str("job", jobID).Err(err).Msg("extend_lease failed")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w.observer.JobStarted(w.queue.Name(), jobID, job.Name)

	proc, lookupErr := w.registry.lookup(job.Name)

	resultCh := make(chan error, 1)
	if lookupErr == nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					resultCh <- fmt.Errorf("queue: processor panic: %v", r)
				}
			}()
			resultCh <- proc.Process(runCtx, job)
		}()
	} else {
		resultCh <- lookupErr
	}

	renewEvery := lease / 3
	if renewEvery <= 0 {
		renewEvery = time.Second
	}
	renew := time.NewTicker(renewEvery)
	defer renew.Stop()

	var runErr error
	var abandon bool
waitLoop:
	for {
		select {
		case runErr = <-resultCh:
			break waitLoop
		case <-runCtx.Done():
			<-resultCh
			switch {
			case abandon:
				// Already decided below: the cooperative-cancel flag was
				// seen before this cancel() fired.
			case ctx.Err() != nil:
				// The work context itself was torn down — WorkerPool.Stop's
				// grace period elapsed (or the process is shutting down).
				// Abandon the lease rather than calling finish with a
				// bogus "timeout" error; the janitor reclaims it once the
				// lease expires (spec.md §4.5 step 4).
				abandon = true
			default:
				// runCtx's own deadline elapsed: a genuine per-job
				// timeout, or the lease-stolen branch below called cancel
				// — either way finish() is the right call (stolen is
				// detected and reported harmlessly by finish itself).
				runErr = runCtx.Err()
			}
			break waitLoop
		case <-renew.C:
			ok, err := w.queue.extendLease(jobID, lease)
			if err != nil {
				log.Warn().Str("worker", w.id).Str("job", jobID).Err(err).Msg("extend_lease failed")
				continue
			}
			if !ok {
				// Lease already stolen elsewhere; finish() will correctly
				// report "stolen" without touching retry bookkeeping.
				cancel()
				continue
			}
			cancelled, err := w.queue.cancelled(jobID)
			if err == nil && cancelled {
				// Cooperative cancellation via Queue.Cancel: abandon the
				// lease instead of finishing, per spec.md §4.5 step 4.
				abandon = true
				cancel()
			}
		}
	}

	if abandon {
		log.Info().Str("worker", w.id).Str("job", jobID).Msg("abandoning lease without finishing")
		return
	}

	w.reportOutcome(jobID, job, runErr)
}

// isFatal reports whether err classifies as a no-retry terminal failure per
// spec.md §7: a bad payload or a job name with no registered Processor.
func isFatal(err error) bool {
	return errors.Is(err, ErrPayloadDeserialize) || errors.Is(err, ErrNoProcessor)
}

func (w *Worker) reportOutcome(jobID string, job Job, runErr error) {
	maxRetries := job.MaxRetries
	if runErr != nil && isFatal(runErr) {
		// Force finish to treat this as retries-exhausted: fatal failures
		// are archived immediately, never rescheduled, regardless of the
		// job's own retry budget.
		maxRetries = job.CurrentRetries
		runErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, runErr)
	}

	outcome, err := w.queue.finish(jobID, runErr == nil, errString(runErr),
		job.CurrentRetries, maxRetries, job.RetryBackoff)
	if err != nil && outcome != OutcomeStolen {
		log.Error().Str("worker", w.id).Str("job", jobID).Err(err).Msg("finish failed")
		return
	}
	w.observer.JobFinished(w.queue.Name(), jobID, job.Name, outcome, runErr)
	if outcome == OutcomeStolen {
		log.Warn().Str("worker", w.id).Str("job", jobID).Msg("lease stolen before finish")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// stop signals the worker's loop to exit and waits for it to do so.
func (w *Worker) stop() {
	close(w.stopCh)
	<-w.doneCh
}
