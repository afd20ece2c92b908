package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilRegistry(t *testing.T) {
	m := New(nil)
	assert.Nil(t, m)

	// Every method tolerates nil.
	m.ObserveTask("x", time.Millisecond, nil)
	assert.Nil(t, m.RetryHook("x"))
	m.InvalidationsSent()
	m.InvalidationsReceived()
	m.Delivered(3)
	m.LockOp("set", "ok")
	m.GCCompleted(1, 2, 3, 4, time.Second)
}

func TestObserveTask(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveTask("locks", time.Millisecond, nil)
	m.ObserveTask("locks", time.Millisecond, nil)
	m.ObserveTask("locks", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues("locks", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("locks", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskDuration))
}

func TestRetryHook(t *testing.T) {
	m := New(prometheus.NewRegistry())

	hook := m.RetryHook("session")
	require.NotNil(t, hook)
	hook(1, nil)
	hook(2, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("session")))
}

func TestClusterCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.InvalidationsSent()
	m.InvalidationsReceived()
	m.InvalidationsReceived()
	m.Delivered(3)
	m.Delivered(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidationsSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.invalidationsReceived))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.propagations))
}

func TestLockOp(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LockOp("remove", "conflict")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockOps.WithLabelValues("remove", "conflict")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.lockOps.WithLabelValues("remove", "ok")))
}

func TestGCCompleted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.GCCompleted(5, 500, 2, 200, 1500*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gcRuns))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.gcBinaries.WithLabelValues("kept")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.gcBytes.WithLabelValues("reclaimed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.gcDuration))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
