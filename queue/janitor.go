package queue

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// janitor reclaims jobs whose lease expired without the holding worker
// calling finish — a crashed worker, a killed pod, a network partition.
// It runs the identical retry/backoff/archive decision (Queue.finish) as
// Worker.reportOutcome,
// just triggered by lease expiry instead of a processor returning,
// matching the teacher's deadPoolReaper concept (worker_pool.go) adapted
// from "pool heartbeat missed" to "job lease expired".
type janitor struct {
	queue    *Queue
	errText  string
	interval time.Duration
}

const leaseExpiredError = "lease expired: worker did not renew or finish in time"

func newJanitor(q *Queue) *janitor {
	interval := q.lease / 4
	if interval <= 0 {
		interval = time.Second
	}
	return &janitor{queue: q, errText: leaseExpiredError, interval: interval}
}

func (j *janitor) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce()
		}
	}
}

func (j *janitor) sweepOnce() {
	ids, err := j.queue.sweepExpired()
	if err != nil {
		log.Error().Str("queue", j.queue.Name()).Err(err).Msg("sweep_expired failed")
		return
	}
	for _, id := range ids {
		j.reclaim(id)
	}
}

func (j *janitor) reclaim(jobID string) {
	job, err := j.queue.JobInfo(jobID)
	if err != nil {
		log.Warn().Str("queue", j.queue.Name()).Str("job", jobID).Err(err).Msg("reclaim: job_info failed")
		return
	}

	outcome, err := j.queue.finish(jobID, false, j.errText,
		job.CurrentRetries, job.MaxRetries, job.RetryBackoff)
	if err != nil && outcome != OutcomeStolen {
		log.Error().Str("queue", j.queue.Name()).Str("job", jobID).Err(err).Msg("reclaim: finish failed")
		return
	}
	if outcome == OutcomeStolen {
		// Another worker renewed the lease between sweep and reclaim; no
		// action needed.
		return
	}
	log.Warn().Str("queue", j.queue.Name()).Str("job", jobID).Str("outcome", outcome.String()).Msg("reclaimed expired lease")
}
