package queue

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// WorkerPool supervises a fixed number of Workers against one Queue,
// generalizing the teacher's WorkerPool (worker_pool.go) from its
// reflection-based multi-jobType dispatch to the Registry/Processor pair,
// while keeping its concurrency-by-goroutine-count shape and its
// Start/Stop lifecycle names.
type WorkerPool struct {
	id       string
	queue    *Queue
	registry *Registry

	concurrency int
	observer    Observer

	scheduler *scheduler
	janitor   *janitor

	mu         sync.Mutex
	workers    []*Worker
	wg         sync.WaitGroup
	pollCancel context.CancelFunc
	workCancel context.CancelFunc
	started    bool
}

// PoolOption configures a WorkerPool at construction time.
type PoolOption func(*WorkerPool)

// WithConcurrency overrides the default concurrency (2x GOMAXPROCS, per
// spec.md §4.5) with an explicit worker count.
func WithConcurrency(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithObserver attaches an Observer receiving job lifecycle events.
func WithObserver(obs Observer) PoolOption {
	return func(p *WorkerPool) { p.observer = obs }
}

// NewWorkerPool builds a pool of workers pulling from q and dispatching
// through r. Mirrors the teacher's NewWorkerPool(ctx, concurrency,
// namespace, pool) constructor shape, minus the namespace/pool args which
// now live on Queue itself.
func NewWorkerPool(q *Queue, r *Registry, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		id:          makeIdentifier(),
		queue:       q,
		registry:    r,
		concurrency: 2 * runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.scheduler = newScheduler(q)
	p.janitor = newJanitor(q)
	return p
}

// Start launches the configured number of worker goroutines plus the
// scheduler and janitor background loops. Start returns immediately; work
// proceeds until ctx is cancelled or Stop is called.
//
// Two independent contexts govern shutdown. pollCtx is derived from the
// caller's ctx: it's what each worker's idle loop watches to decide whether
// to pick up new work, so it's cancelled the moment ctx is (or Stop is
// called). workCtx is detached from ctx entirely (rooted in
// context.Background()) and bounds in-flight job execution; it's only
// cancelled explicitly by Stop, after grace elapses. This split exists
// because callers like cmd/queue-worker cancel ctx (via signal.Context)
// before calling Stop — deriving workCtx from ctx would collapse the grace
// window to zero, aborting every in-flight job the instant the shutdown
// signal arrived instead of granting it the documented grace period
// (spec.md §4.5 "shutdown grace period").
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	pollCtx, pollCancel := context.WithCancel(ctx)
	p.pollCancel = pollCancel

	workCtx, workCancel := context.WithCancel(context.Background())
	p.workCancel = workCancel

	p.workers = make([]*Worker, p.concurrency)
	for i := range p.workers {
		w := newWorker(p.queue, p.registry, p.observer)
		p.workers[i] = w
		p.wg.Add(1)
		go w.run(pollCtx, workCtx, &p.wg)
	}

	p.wg.Add(1)
	go p.scheduler.run(pollCtx, &p.wg)

	p.wg.Add(1)
	go p.janitor.run(pollCtx, &p.wg)

	log.Info().Str("pool", p.id).Str("queue", p.queue.Name()).Int("concurrency", p.concurrency).Msg("worker pool started")
}

// Stop first stops every worker from picking up new jobs, then gives
// in-flight jobs up to grace to finish (or be cooperatively abandoned) on
// their own before forcibly cancelling their execution context, and blocks
// until every goroutine has exited. A grace of 0 cancels in-flight work
// immediately and waits indefinitely for shutdown to complete.
func (p *WorkerPool) Stop(grace time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Stop accepting new work immediately; in-flight jobs keep running on
	// workCtx, untouched, until the grace period below elapses.
	p.pollCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if grace <= 0 {
		p.workCancel()
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Str("pool", p.id).Msg("stop grace period elapsed with workers still draining")
	}
	p.workCancel()
	<-done
}
