// Package redispool builds the *redis.Pool shared by cmd/queue-worker and
// cmd/queue-drain, adapted from the teacher's cmd/workwebui/main.go
// createPool/sentinelDialFunc (there flag-driven; here config-driven) with
// FZambia/go-sentinel wired in exactly as the teacher does for HA Redis
// deployments.
package redispool

import (
	"errors"
	"time"

	"github.com/FZambia/go-sentinel"
	"github.com/garyburd/redigo/redis"
)

// Options configures pool construction.
type Options struct {
	Addr            string
	SentinelAddrs   []string
	SentinelMaster  string
	MaxActive       int
	MaxIdle         int
	IdleTimeout     time.Duration
	DialTimeout     time.Duration
}

// New builds a *redis.Pool dialing either a single address or, when
// SentinelAddrs is non-empty, resolving the current master through
// Sentinel on every new connection — the same dialFunc-per-mode branch as
// the teacher's createPool.
func New(opts Options) (*redis.Pool, error) {
	if opts.MaxActive <= 0 {
		opts.MaxActive = 16
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 16
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 240 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 500 * time.Millisecond
	}

	var dial func() (redis.Conn, error)
	switch {
	case len(opts.SentinelAddrs) > 0:
		dial = sentinelDialFunc(opts.SentinelAddrs, opts.SentinelMaster, opts.DialTimeout)
	case opts.Addr != "":
		addr := opts.Addr
		dial = func() (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialConnectTimeout(opts.DialTimeout))
		}
	default:
		return nil, errors.New("redispool: need either Addr or SentinelAddrs")
	}

	return &redis.Pool{
		MaxActive:   opts.MaxActive,
		MaxIdle:     opts.MaxIdle,
		IdleTimeout: opts.IdleTimeout,
		Wait:        true,
		Dial:        dial,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}, nil
}

func sentinelDialFunc(addrs []string, masterName string, timeout time.Duration) func() (redis.Conn, error) {
	sntnl := &sentinel.Sentinel{
		Addrs:      addrs,
		MasterName: masterName,
		Dial: func(addr string) (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialConnectTimeout(timeout),
				redis.DialReadTimeout(timeout),
				redis.DialWriteTimeout(timeout))
		},
	}
	return func() (redis.Conn, error) {
		masterAddr, err := sntnl.MasterAddr()
		if err != nil {
			return nil, err
		}
		return redis.Dial("tcp", masterAddr)
	}
}
