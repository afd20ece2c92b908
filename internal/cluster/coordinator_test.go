package cluster

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstore/internal/invalidation"
	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/metrics"
	"github.com/roach88/docstore/internal/row"
	"github.com/roach88/docstore/internal/store"
	"github.com/roach88/docstore/internal/testutil"
)

func modified(table string, id any) *invalidation.Invalidations {
	inv := invalidation.New()
	inv.AddModified(row.RowId{Table: table, ID: id})
	return inv
}

func nodeCount(t *testing.T, d *store.DB) int {
	t.Helper()
	var n int
	require.NoError(t, d.SQL().QueryRow(`SELECT COUNT(*) FROM cluster_nodes`).Scan(&n))
	return n
}

func TestCreateNode_PropagatesAll(t *testing.T) {
	d := createTestDB(t)
	c := newTestCoordinator(t, d, "node")
	q := invalidation.NewQueue("session")
	c.AddQueue(q)

	require.NoError(t, c.CreateNode(context.Background()))

	assert.NotEmpty(t, c.NodeID())
	assert.True(t, q.Drain().IsAll())
	assert.Equal(t, 1, nodeCount(t, d))
}

func TestShutdown_Deregisters(t *testing.T) {
	d := createTestDB(t)
	c := startTestCoordinator(t, d, "node")
	require.Equal(t, 1, nodeCount(t, d))

	require.NoError(t, c.Shutdown(context.Background()))

	assert.Empty(t, c.NodeID())
	assert.Equal(t, 0, nodeCount(t, d))
	require.NoError(t, c.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestSendReceive_BetweenNodes(t *testing.T) {
	d := createTestDB(t)
	a := startTestCoordinator(t, d, "a", WithDelay(0))
	b := startTestCoordinator(t, d, "b", WithDelay(0))
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, modified("dublincore", "doc-1")))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, got.Contains(row.RowId{Table: "dublincore", ID: "doc-1"}))

	own, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, own.IsEmpty(), "a node never receives its own invalidations")

	again, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, again.IsEmpty(), "entries are consumed")
}

func TestSend_EmptyIsNoop(t *testing.T) {
	d := createTestDB(t)
	a := startTestCoordinator(t, d, "a")
	startTestCoordinator(t, d, "b")

	require.NoError(t, a.Send(context.Background(), invalidation.New()))

	var n int
	require.NoError(t, d.SQL().QueryRow(`SELECT COUNT(*) FROM cluster_invals`).Scan(&n))
	assert.Zero(t, n)
}

func TestSendReceive_RequireNode(t *testing.T) {
	d := createTestDB(t)
	c := newTestCoordinator(t, d, "idle")
	ctx := context.Background()

	assert.ErrorIs(t, c.Send(ctx, invalidation.All()), ErrNoNode)
	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestReceive_RateLimitedByDelay(t *testing.T) {
	d := createTestDB(t)
	clock := testutil.NewClock(time.Time{})
	a := startTestCoordinator(t, d, "a")
	b := startTestCoordinator(t, d, "b", WithDelay(time.Second), WithClock(clock.Now))
	ctx := context.Background()

	first, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, first.IsEmpty())

	require.NoError(t, a.Send(ctx, modified("dublincore", "doc-1")))

	clock.Advance(500 * time.Millisecond)
	inside, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, inside.IsEmpty(), "within the delay window nothing is pulled")

	clock.Advance(500 * time.Millisecond)
	after, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.False(t, after.IsEmpty())
}

func TestProcessNext_ResetsWatermark(t *testing.T) {
	d := createTestDB(t)
	clock := testutil.NewClock(time.Time{})
	a := startTestCoordinator(t, d, "a")
	b := startTestCoordinator(t, d, "b", WithDelay(time.Hour), WithClock(clock.Now))
	ctx := context.Background()

	_, err := b.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, modified("dublincore", "doc-1")))

	b.ProcessNext()
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.False(t, got.IsEmpty())
}

func TestReceive_InterruptedPullIsKept(t *testing.T) {
	d := createTestDB(t)
	clock := testutil.NewClock(time.Time{})
	a := startTestCoordinator(t, d, "a")
	b := startTestCoordinator(t, d, "b", WithDelay(time.Hour), WithClock(clock.Now))
	doc := row.RowId{Table: "dublincore", ID: "doc-1"}

	require.NoError(t, a.Send(context.Background(), modified("dublincore", "doc-1")))

	release := holdWriteLock(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	require.Error(t, err)
	assert.True(t, store.IsInterrupted(err))
	release()

	// The watermark was reset, so this pull runs after the interrupted one
	// and returns what it consumed.
	got, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Contains(doc))

	var n int
	require.NoError(t, d.SQL().QueryRow(`SELECT COUNT(*) FROM cluster_invals`).Scan(&n))
	assert.Zero(t, n)
}

func TestReceive_InterruptedEntriesReturnedOnce(t *testing.T) {
	d := createTestDB(t)
	clock := testutil.NewClock(time.Time{})
	a := startTestCoordinator(t, d, "a")
	b := startTestCoordinator(t, d, "b", WithDelay(time.Hour), WithClock(clock.Now))
	doc := row.RowId{Table: "dublincore", ID: "doc-1"}

	require.NoError(t, a.Send(context.Background(), modified("dublincore", "doc-1")))

	release := holdWriteLock(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	require.True(t, store.IsInterrupted(err))
	release()

	first, err := b.Receive(context.Background())
	require.NoError(t, err)
	require.True(t, first.Contains(doc))
	require.NoError(t, a.Send(context.Background(), modified("dublincore", "doc-2")))

	inside, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, inside.IsEmpty(), "the delay still applies to the log")

	b.ProcessNext()
	after, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, after.Contains(row.RowId{Table: "dublincore", ID: "doc-2"}))
	assert.False(t, after.Contains(doc), "entries are returned once")
}

func TestPropagate_SkipsWriterAndEmpty(t *testing.T) {
	d := createTestDB(t)
	c := newTestCoordinator(t, d, "node")
	writer := invalidation.NewQueue("writer")
	reader := invalidation.NewQueue("reader")
	c.AddQueue(writer)
	c.AddQueue(reader)

	assert.Equal(t, 0, c.Propagate(invalidation.New(), nil))
	assert.Equal(t, 1, c.Propagate(modified("dublincore", "doc-1"), writer))

	assert.True(t, writer.Drain().IsEmpty())
	assert.True(t, reader.Drain().Contains(row.RowId{Table: "dublincore", ID: "doc-1"}))

	c.RemoveQueue(reader)
	assert.Equal(t, 0, c.Propagate(modified("dublincore", "doc-2"), writer))
}

func TestConnectionWasReset_RecreatesNode(t *testing.T) {
	d := createTestDB(t)
	c := startTestCoordinator(t, d, "node")
	q := invalidation.NewQueue("session")
	c.AddQueue(q)
	old := c.NodeID()

	require.NoError(t, c.ConnectionWasReset(context.Background()))

	assert.NotEqual(t, old, c.NodeID())
	assert.True(t, q.Drain().IsAll())
	assert.Equal(t, 1, nodeCount(t, d), "stale node is removed")
}

func TestPoll_DeliversToLocalQueues(t *testing.T) {
	d := createTestDB(t)
	a := startTestCoordinator(t, d, "a")
	b := startTestCoordinator(t, d, "b", WithDelay(0))
	q := invalidation.NewQueue("session")
	b.AddQueue(q)

	require.NoError(t, a.Send(context.Background(), modified("dublincore", "doc-1")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Poll(ctx) }()

	got := invalidation.New()
	assert.Eventually(t, func() bool {
		got = got.Add(q.Drain())
		return got.Contains(row.RowId{Table: "dublincore", ID: "doc-1"})
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Poll did not stop")
	}
}

func TestPoll_FixedClockKeepsPulling(t *testing.T) {
	d := createTestDB(t)
	clock := testutil.NewClock(time.Time{})
	a := startTestCoordinator(t, d, "a")
	b := startTestCoordinator(t, d, "b", WithDelay(20*time.Millisecond), WithClock(clock.Now))
	q := invalidation.NewQueue("session")
	b.AddQueue(q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Poll(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	for _, id := range []string{"doc-1", "doc-2"} {
		require.NoError(t, a.Send(context.Background(), modified("dublincore", id)))
		want := row.RowId{Table: "dublincore", ID: id}
		got := invalidation.New()
		assert.Eventually(t, func() bool {
			got = got.Add(q.Drain())
			return got.Contains(want)
		}, 5*time.Second, 10*time.Millisecond, "missing %s", id)
	}
}

func TestCoordinator_SequenceIDs(t *testing.T) {
	d := createTestDB(t, store.WithIDType(store.IDTypeSequence))
	a := startTestCoordinator(t, d, "a", WithDelay(0))
	b := startTestCoordinator(t, d, "b", WithDelay(0))
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, modified("dublincore", int64(42))))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, got.Contains(row.RowId{Table: "dublincore", ID: int64(42)}))
}

func TestCoordinator_Metrics(t *testing.T) {
	d := createTestDB(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	a := startTestCoordinator(t, d, "a", WithMetrics(m))
	b := startTestCoordinator(t, d, "b", WithDelay(0), WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, modified("dublincore", "doc-1")))
	_, err := b.Receive(ctx)
	require.NoError(t, err)

	expected := `
# HELP docstore_cluster_invalidations_received_total Non-empty invalidation batches received from peers
# TYPE docstore_cluster_invalidations_received_total counter
docstore_cluster_invalidations_received_total 1
# HELP docstore_cluster_invalidations_sent_total Invalidation batches appended to the cluster log
# TYPE docstore_cluster_invalidations_sent_total counter
docstore_cluster_invalidations_sent_total 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"docstore_cluster_invalidations_sent_total",
		"docstore_cluster_invalidations_received_total",
	))
}

func TestCoordinator_RunnerClosed(t *testing.T) {
	d := createTestDB(t)
	r := isolation.New("closed", d.NewMapper("closed"))
	require.NoError(t, r.Shutdown())
	c := New(r)

	err := c.CreateNode(context.Background())
	assert.ErrorIs(t, err, isolation.ErrClosed)
}
