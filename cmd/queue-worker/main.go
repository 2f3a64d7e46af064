// Command queue-worker runs a WorkerPool against one or more queues,
// generalizing the teacher's cmd/workwebui (a webui server over one
// namespace) into a plain worker process over config.Config's QUEUE_NAMES.
// Production embedders are expected to replace registerProcessors with
// their own job-processor registrations; a task-evaluation engine (state
// machines, dataflow graphs, JS sandboxing) is explicitly out of scope of
// this repository (spec's external collaborators), so this binary ships
// only a placeholder echo processor to prove the wiring end to end.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"github.com/sanyfan/jobqueue/internal/config"
	"github.com/sanyfan/jobqueue/internal/logging"
	"github.com/sanyfan/jobqueue/internal/redispool"
	"github.com/sanyfan/jobqueue/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	logging.ConfigurePackageLogger(cfg.LogLevel)
	appLog := logging.New(cfg.LogLevel)
	appLog.Info().Msg("starting queue-worker")

	pool, err := redispool.New(redispool.Options{
		Addr:           cfg.RedisAddr,
		SentinelAddrs:  cfg.SentinelAddrs(),
		SentinelMaster: cfg.RedisSentinelMaster,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis pool")
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pools []*queue.WorkerPool
	for _, name := range cfg.Queues() {
		q := queue.New(pool, name,
			queue.WithPrefix(cfg.RedisPrefix),
			queue.WithLease(cfg.Lease),
			queue.WithPollInterval(cfg.PollInterval),
			queue.WithMaxBackoff(cfg.MaxBackoff),
			queue.WithDefaultMaxRetries(uint32(cfg.DefaultMaxRetries)),
		)

		registry := registerProcessors(q)

		var poolOpts []queue.PoolOption
		poolOpts = append(poolOpts, queue.WithObserver(queue.LogObserver{}))
		if cfg.Concurrency > 0 {
			poolOpts = append(poolOpts, queue.WithConcurrency(int(cfg.Concurrency)))
		}

		wp := queue.NewWorkerPool(q, registry, poolOpts...)
		wp.Start(ctx)
		pools = append(pools, wp)

		log.Info().Str("queue", name).Msg("worker pool started")
	}

	<-ctx.Done()
	appLog.Info().Msg("shutting down queue-worker")

	for _, wp := range pools {
		wp.Stop(cfg.ShutdownGrace)
	}
	appLog.Info().Msg("queue-worker stopped")
}

// registerProcessors wires up the job names this process knows how to
// handle. Real deployments register their task-automation handlers here;
// the default registration just proves the pipeline works.
func registerProcessors(q *queue.Queue) *queue.Registry {
	r := queue.NewRegistry()
	r.Register("", queue.ProcessorFunc(func(ctx context.Context, job queue.Job) error {
		log.Info().Str("queue", q.Name()).Str("job", job.ID).Str("name", job.Name).
			Int("payload_bytes", len(job.Payload)).Msg("processed job")
		return nil
	}))
	return r
}
