package queue

import (
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/phuslu/log"
	"github.com/robfig/cron"
)

// periodicEntry pairs a cron schedule with the job it enqueues, the same
// pairing as the teacher's periodicJob (referenced from PeriodicallyEnqueue
// in worker_pool.go, whose own periodic_enqueuer.go wasn't part of this
// retrieval — rebuilt here against the Queue/Job types instead of the
// teacher's namespaced raw-JSON job format).
type periodicEntry struct {
	spec     string
	schedule cron.Schedule
	name     string
	jobID    JobID
	build    func() Job
}

// Periodic enqueues jobs on a cron schedule, coordinating across however
// many Periodic instances are running (one per worker process, typically)
// so a job fires once per tick rather than once per process. Coordination
// uses a short-TTL "SET NX PX" lock on the queue's connection pool, the
// same primitive original_source/tasks/periodic.rs's cron runner uses a
// database lock for, translated to Redis since the periodic enqueuer
// lives alongside the broker rather than the staging database.
type Periodic struct {
	queue   *Queue
	entries []periodicEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPeriodic builds a Periodic enqueuer bound to q.
func NewPeriodic(q *Queue) *Periodic {
	return &Periodic{queue: q, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Add schedules build() to run as a job per the cron spec (robfig/cron
// format, seconds-first). jobID controls how the resulting job's id is
// minted; AutoJobID is the common choice since periodic jobs don't need a
// stable identity across ticks.
func (p *Periodic) Add(spec, name string, jobID JobID, build func() Job) error {
	schedule, err := cron.Parse(spec)
	if err != nil {
		return err
	}
	p.entries = append(p.entries, periodicEntry{spec: spec, schedule: schedule, name: name, jobID: jobID, build: build})
	return nil
}

// Start begins the polling loop: once a minute it checks which entries
// were due within the past minute and tries to win the per-minute lock for
// each before enqueuing, so an entry fires at most once a minute even if
// its spec is finer.
func (p *Periodic) Start() {
	go p.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (p *Periodic) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Periodic) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	p.tick(time.Now())
	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

func (p *Periodic) tick(now time.Time) {
	for _, e := range p.entries {
		next := e.schedule.Next(now.Add(-1 * time.Minute))
		if next.After(now) {
			continue
		}
		if !p.claim(e.name, next) {
			continue
		}
		job := e.build()
		if job.Name == "" {
			job.Name = e.name
		}
		if _, err := p.queue.Enqueue(e.jobID, job); err != nil {
			log.Error().Str("periodic", e.name).Err(err).Msg("periodic enqueue failed")
		}
	}
}

// claim reports whether this process won the lock for entry name's tick
// at the minute identified by when, so that exactly one of however many
// Periodic instances share this queue actually enqueues it.
func (p *Periodic) claim(name string, when time.Time) bool {
	conn := p.queue.conn()
	defer conn.Close()

	key := p.queue.keys.jobPrefix + "periodic:" + name + ":" + when.Format("200601021504")
	reply, err := redis.String(conn.Do("SET", key, "1", "NX", "PX", int64(55*time.Second/time.Millisecond)))
	if err == redis.ErrNil {
		return false
	}
	if err != nil {
		log.Error().Str("periodic", name).Err(err).Msg("periodic lock failed")
		return false
	}
	return reply == "OK"
}
