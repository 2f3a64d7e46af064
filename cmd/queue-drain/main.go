// Command queue-drain runs internal/staging's Drain for one group,
// moving rows the staging table holds into the Redis broker. It pairs
// with cmd/queue-worker the same way original_source's separate
// drain-queues and job-runner binaries pair with each other: one process
// family writes jobs durably to Postgres, another moves them into the
// broker, a third (queue-worker) executes them.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phuslu/log"

	"github.com/sanyfan/jobqueue/internal/config"
	"github.com/sanyfan/jobqueue/internal/logging"
	"github.com/sanyfan/jobqueue/internal/redispool"
	"github.com/sanyfan/jobqueue/internal/staging"
	"github.com/sanyfan/jobqueue/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	logging.ConfigurePackageLogger(cfg.LogLevel)
	appLog := logging.New(cfg.LogLevel)
	appLog.Info().Msg("starting queue-drain")

	if err := staging.Migrate(cfg.PostgresDSN); err != nil {
		log.Fatal().Err(err).Msg("staging migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool")
	}
	defer pgPool.Close()

	redisPool, err := redispool.New(redispool.Options{
		Addr:           cfg.RedisAddr,
		SentinelAddrs:  cfg.SentinelAddrs(),
		SentinelMaster: cfg.RedisSentinelMaster,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis pool")
	}
	defer redisPool.Close()

	queues := make(map[string]*queue.Queue, len(cfg.Queues()))
	for _, name := range cfg.Queues() {
		queues[name] = queue.New(redisPool, name,
			queue.WithPrefix(cfg.RedisPrefix),
			queue.WithLease(cfg.Lease),
			queue.WithPollInterval(cfg.PollInterval),
			queue.WithMaxBackoff(cfg.MaxBackoff),
			queue.WithDefaultMaxRetries(uint32(cfg.DefaultMaxRetries)),
		)
	}

	resolver := func(name string) (*queue.Queue, bool) {
		q, ok := queues[name]
		return q, ok
	}

	drain := staging.NewDrain(pgPool, cfg.DrainGroup, resolver,
		staging.WithBatchSize(int(cfg.DrainBatchSize)),
		staging.WithDrainObserver(func(stats queue.DrainStats) {
			if stats.Moved == 0 && stats.Errored == 0 {
				return
			}
			log.Info().Str("group", cfg.DrainGroup).
				Int("moved", stats.Moved).
				Int("errored", stats.Errored).
				Int64("duration_ms", stats.DurationMS).
				Msg("drain pass")
		}),
	)

	log.Info().Str("group", cfg.DrainGroup).Str("queues", strings.Join(cfg.Queues(), ",")).Msg("queue-drain ready")

	if err := drain.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("drain stopped unexpectedly")
	}

	appLog.Info().Msg("queue-drain stopped")
}
