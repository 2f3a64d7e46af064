package queue

import "errors"

// Error taxonomy per spec.md §7. Transient errors are retried locally by
// the component that saw them (drain, worker pull) and never escape to the
// caller; the rest are surfaced through job_info/stats or returned
// directly, following original_source/queues/error.rs's enum translated
// from thiserror variants into Go sentinel errors usable with errors.Is.
var (
	// ErrJobStolen is returned by finish when the calling worker no
	// longer holds the job's lease (another worker, or the janitor,
	// already reclaimed it); extend_lease reports the same condition as a
	// false result. No state change is made; callers should log and move
	// on.
	ErrJobStolen = errors.New("queue: job lease no longer held (stolen)")

	// ErrJobNotFound is returned by update/cancel/job_info when the job id
	// is not present in any live state (scheduled, pending, running).
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrDuplicateJobID is returned by enqueue when the job id already
	// resides in pending, scheduled, or running. The enqueue script
	// rejects silently (returns 0) at the broker level; this error is the
	// Go-side surfacing of that rejection.
	ErrDuplicateJobID = errors.New("queue: job id already in use")

	// ErrJobRunning is returned by update when the job is currently
	// leased to a worker; the update must wait for the job to finish or
	// time out. Cancel does not return it: a running job is flagged for
	// cooperative cancellation instead.
	ErrJobRunning = errors.New("queue: job is currently running")

	// ErrPayloadDeserialize classifies a fatal, non-retried job failure:
	// the worker could not deserialize the stored payload into the
	// processor's expected type.
	ErrPayloadDeserialize = errors.New("queue: payload deserialization failed")

	// ErrRetriesExhausted wraps a fatal job failure (a bad payload or a
	// job name with no Processor) that the worker archives without retry,
	// whatever retries remain. An ordinary failure whose retries run out is
	// archived by finish without this error.
	ErrRetriesExhausted = errors.New("queue: retries exhausted")
)

// Outcome classifies the result of a finish/sweep call, per spec.md §4.1's
// finish contract.
type Outcome int

const (
	// OutcomeSucceeded: the job was marked succeeded and archived.
	OutcomeSucceeded Outcome = iota
	// OutcomeRetryScheduled: the job failed but has retries remaining and
	// was rescheduled with backoff.
	OutcomeRetryScheduled
	// OutcomeFailedFinal: the job failed and retries are exhausted (or the
	// failure was fatal); archived with succeeded=false.
	OutcomeFailedFinal
	// OutcomeStolen: finish was called for a job no longer in running.
	OutcomeStolen
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetryScheduled:
		return "retry_scheduled"
	case OutcomeFailedFinal:
		return "failed_final"
	case OutcomeStolen:
		return "stolen"
	default:
		return "unknown"
	}
}

// Location reports where cancel found (and removed, if applicable) a job.
type Location int

const (
	LocationNone Location = iota
	LocationPending
	LocationScheduled
	LocationRunning
)

func (l Location) String() string {
	switch l {
	case LocationPending:
		return "pending"
	case LocationScheduled:
		return "scheduled"
	case LocationRunning:
		return "running"
	default:
		return "none"
	}
}
