package queue

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// scheduler periodically promotes due scheduled jobs to pending, per
// spec.md §4.4. Its tick interval adapts: after a tick that promoted at
// least one job it ticks again at the queue's base poll_interval (more
// may be due imminently); when nothing was due it sleeps until the
// earlier of poll_interval or the next scheduled job's run_at, so a job
// due before the next regular tick is promoted on time. The wait never
// exceeds poll_interval.
type scheduler struct {
	queue *Queue
}

func newScheduler(q *Queue) *scheduler {
	return &scheduler{queue: q}
}

func (s *scheduler) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(s.tick())
		}
	}
}

func (s *scheduler) tick() time.Duration {
	n, err := s.queue.promoteDue()
	if err != nil {
		log.Error().Str("queue", s.queue.Name()).Err(err).Msg("promote_due failed")
		return s.queue.pollInterval
	}
	if n > 0 {
		return s.queue.pollInterval
	}

	next, ok, err := s.queue.nextScheduledAt()
	if err != nil || !ok {
		return s.queue.pollInterval
	}
	wait := time.Until(next)
	if wait <= 0 {
		return 0
	}
	if wait > s.queue.pollInterval {
		return s.queue.pollInterval
	}
	return wait
}
