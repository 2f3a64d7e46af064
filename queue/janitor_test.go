package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJanitor_ReclaimsExpiredLeaseWithRetriesRemaining(t *testing.T) {
	q, closeFn := newTestQueue(t)
	defer closeFn()

	_, err := q.Enqueue(ValueJobID("job-1"), Job{MaxRetries: 1})
	require.NoError(t, err)

	_, err = q.dequeue(-time.Second) // immediately expired lease
	require.NoError(t, err)

	j := newJanitor(q)
	j.sweepOnce()

	status, err := q.Status()
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Scheduled, "job with retries left should be rescheduled, not lost")
	require.EqualValues(t, 0, status.Running)

	info, err := q.JobInfo("job-1")
	require.NoError(t, err)
	require.Equal(t, leaseExpiredError, info.ErrorDetails)
}

func TestJanitor_ReclaimsExpiredLeaseRetriesExhausted(t *testing.T) {
	q, closeFn := newTestQueue(t)
	defer closeFn()

	_, err := q.Enqueue(ValueJobID("job-1"), Job{MaxRetries: 0})
	require.NoError(t, err)

	_, err = q.dequeue(-time.Second)
	require.NoError(t, err)

	j := newJanitor(q)
	j.sweepOnce()

	status, err := q.Status()
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Stats["failed"])
}

func TestJanitor_NoExpiredLeasesIsNoop(t *testing.T) {
	q, closeFn := newTestQueue(t)
	defer closeFn()

	_, err := q.Enqueue(ValueJobID("job-1"), Job{})
	require.NoError(t, err)
	_, err = q.dequeue(time.Minute) // healthy lease, far from expiry

	require.NoError(t, err)

	j := newJanitor(q)
	j.sweepOnce()

	status, err := q.Status()
	require.NoError(t, err)
	require.EqualValues(t, 1, status.Running, "healthy lease must not be reclaimed")
}

func TestNewJanitor_IntervalDefaultsWhenLeaseTooSmall(t *testing.T) {
	q, closeFn := newTestQueue(t, WithLease(0))
	defer closeFn()

	j := newJanitor(q)
	require.Equal(t, time.Second, j.interval)
}
