package redispool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresAddrOrSentinel(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNew_PlainAddrBuildsPoolWithDefaults(t *testing.T) {
	pool, err := New(Options{Addr: "127.0.0.1:6379"})
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 16, pool.MaxActive)
	assert.Equal(t, 16, pool.MaxIdle)
	assert.Equal(t, 240*time.Second, pool.IdleTimeout)
	assert.True(t, pool.Wait)
}

func TestNew_CustomPoolSizingHonored(t *testing.T) {
	pool, err := New(Options{Addr: "127.0.0.1:6379", MaxActive: 4, MaxIdle: 2, IdleTimeout: time.Minute})
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 4, pool.MaxActive)
	assert.Equal(t, 2, pool.MaxIdle)
	assert.Equal(t, time.Minute, pool.IdleTimeout)
}

func TestNew_SentinelAddrsTakesPriorityDialFunc(t *testing.T) {
	// Doesn't dial (pool.Dial is only invoked lazily on Get()); just checks
	// construction succeeds when both a plain Addr and SentinelAddrs are
	// given, preferring Sentinel per the switch in New.
	pool, err := New(Options{Addr: "127.0.0.1:6379", SentinelAddrs: []string{"127.0.0.1:26379"}, SentinelMaster: "mymaster"})
	require.NoError(t, err)
	defer pool.Close()
	require.NotNil(t, pool.Dial)
}
