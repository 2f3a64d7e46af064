package queue

import "github.com/phuslu/log"

// Observer receives lifecycle events for instrumentation, generalizing the
// teacher's *observer embedding (referenced throughout worker.go as
// w.observer.start/drain/stop/observeStarted/observeDone, backing its
// webui's live job view) into a plain interface a caller can implement
// with whatever metrics system they use, rather than the teacher's
// Redis-hash-backed observer model.
type Observer interface {
	JobStarted(queueName, jobID, jobName string)
	JobFinished(queueName, jobID, jobName string, outcome Outcome, err error)
}

// NopObserver implements Observer with no-ops. It is the default for a
// WorkerPool that doesn't configure one.
type NopObserver struct{}

func (NopObserver) JobStarted(string, string, string)                      {}
func (NopObserver) JobFinished(string, string, string, Outcome, error)      {}

// LogObserver implements Observer by emitting structured log lines via
// phuslu/log, matching the logging library the rest of this module uses.
type LogObserver struct{}

func (LogObserver) JobStarted(queueName, jobID, jobName string) {
	log.Debug().Str("queue", queueName).Str("job", jobID).Str("name", jobName).Msg("job started")
}

func (LogObserver) JobFinished(queueName, jobID, jobName string, outcome Outcome, err error) {
	ev := log.Info()
	if err != nil && outcome != OutcomeSucceeded {
		ev = log.Warn()
	}
	ev.Str("queue", queueName).Str("job", jobID).Str("name", jobName).Str("outcome", outcome.String())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("job finished")
}

// DrainStats summarizes one pass of a staging drain (spec.md §4.3):
// how many rows it moved, how long that took, and how many it could not
// apply. internal/staging.Drain emits one of these per pass to an
// optional observer callback.
type DrainStats struct {
	Moved      int
	Errored    int
	DurationMS int64
}
