// Package cluster exchanges invalidations between processes sharing one
// backing store.
//
// Each process registers as a node. Writers append their invalidations to a
// durable log addressed to every other node; each node pulls its entries at
// most once per delay and fans them out to local session queues. Only
// invalidations cross the cluster, never data.
package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/docstore/internal/invalidation"
	"github.com/roach88/docstore/internal/isolation"
	"github.com/roach88/docstore/internal/metrics"
	"github.com/roach88/docstore/internal/store"
)

// DefaultDelay is the minimum time between two pulls from the log.
const DefaultDelay = time.Second

// minPollInterval paces Poll when the delay is zero.
const minPollInterval = 10 * time.Millisecond

// ErrNoNode is returned by Send and Receive before CreateNode succeeded.
var ErrNoNode = errors.New("cluster node not created")

// Coordinator registers this process as a cluster node and moves
// invalidations between the durable log and local queues.
//
// Thread-safety: All methods are safe for concurrent use. Backing-store
// calls are serialized on the runner.
type Coordinator struct {
	runner  *isolation.Runner[*store.Mapper]
	delay   time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	queues *invalidation.Propagator

	mu       sync.Mutex
	nodeID   string
	lastPoll time.Time
	// pending holds pulled entries not yet returned by Receive. The log
	// delete commits even when the caller gave up waiting.
	pending *invalidation.Invalidations
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDelay sets the minimum time between two pulls. Default: DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.delay = d
	}
}

// WithClock replaces time.Now for the poll watermark.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithMetrics installs metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New returns a Coordinator using runner for every backing-store call.
// The runner's Mapper must be dedicated to the Coordinator.
func New(runner *isolation.Runner[*store.Mapper], opts ...Option) *Coordinator {
	c := &Coordinator{
		runner: runner,
		delay:  DefaultDelay,
		now:    time.Now,
		queues: invalidation.NewPropagator("cluster"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeID returns the current node id, or "" before CreateNode.
func (c *Coordinator) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// Delay returns the configured minimum time between pulls.
func (c *Coordinator) Delay() time.Duration {
	return c.delay
}

// CreateNode opens the Coordinator's connection and registers a new node.
// The watermark is reset so the next Receive pulls immediately, and every
// local queue gets an all invalidation: nothing cached before the node
// existed can be trusted.
func (c *Coordinator) CreateNode(ctx context.Context) error {
	nodeID, err := isolation.Submit(ctx, c.runner, isolation.Open(
		func(ctx context.Context, m *store.Mapper) (string, error) {
			return m.CreateClusterNode(ctx)
		}))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.nodeID = nodeID
	c.lastPoll = time.Time{}
	c.mu.Unlock()

	slog.Info("cluster node created", "node", nodeID)
	c.Propagate(invalidation.All(), nil)
	return nil
}

// Startup registers the node.
func (c *Coordinator) Startup(ctx context.Context) error {
	return c.CreateNode(ctx)
}

// Shutdown deregisters the node and closes the connection.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	nodeID := c.nodeID
	c.nodeID = ""
	c.mu.Unlock()

	_, err := isolation.Submit(ctx, c.runner, isolation.Close(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			if nodeID == "" {
				return struct{}{}, nil
			}
			release, err := m.Acquire(ctx)
			if err != nil {
				return struct{}{}, err
			}
			defer release()
			return struct{}{}, m.RemoveClusterNode(ctx, nodeID)
		}))
	if err != nil {
		return err
	}
	if nodeID != "" {
		slog.Info("cluster node removed", "node", nodeID)
	}
	return nil
}

// ConnectionWasReset re-registers under a fresh node id after the
// connection died. Entries addressed to the old id may be lost, which
// CreateNode covers by propagating an all invalidation.
func (c *Coordinator) ConnectionWasReset(ctx context.Context) error {
	old := c.NodeID()
	slog.Warn("cluster connection reset, recreating node", "node", old)

	if err := c.CreateNode(ctx); err != nil {
		return err
	}
	if old == "" {
		return nil
	}
	_, err := isolation.Submit(ctx, c.runner, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			return struct{}{}, m.RemoveClusterNode(ctx, old)
		}))
	if err != nil {
		slog.Warn("failed to remove stale cluster node", "node", old, "error", err)
	}
	return nil
}

// ProcessNext makes the next Receive pull regardless of the delay.
func (c *Coordinator) ProcessNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPoll = time.Time{}
}

// Send appends inv to the log for every other node. Empty values are not
// written. Failures are returned, never retried here: a lost invalidation
// would leave peers stale.
func (c *Coordinator) Send(ctx context.Context, inv *invalidation.Invalidations) error {
	if inv.IsEmpty() {
		return nil
	}
	nodeID := c.NodeID()
	if nodeID == "" {
		return ErrNoNode
	}
	_, err := isolation.Submit(ctx, c.runner, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			return struct{}{}, m.InsertClusterInvalidations(ctx, inv, nodeID)
		}))
	if err != nil {
		return err
	}
	c.metrics.InvalidationsSent()
	slog.Debug("cluster invalidations sent", "node", nodeID, "invalidations", inv)
	return nil
}

// Receive returns the invalidations other nodes addressed to this node
// since the last pull. Within the delay of the previous pull it returns
// only entries left over from an interrupted pull, without touching the
// backing store.
//
// A pull that fails or is interrupted resets the watermark. Entries an
// interrupted pull removed from the log are kept and returned by the next
// call.
func (c *Coordinator) Receive(ctx context.Context) (*invalidation.Invalidations, error) {
	c.mu.Lock()
	nodeID := c.nodeID
	if nodeID == "" {
		c.mu.Unlock()
		return nil, ErrNoNode
	}
	now := c.now()
	if !c.lastPoll.IsZero() && now.Sub(c.lastPoll) < c.delay {
		inv := c.takePendingLocked()
		c.mu.Unlock()
		return inv, nil
	}
	c.lastPoll = now
	c.mu.Unlock()

	_, err := isolation.Submit(ctx, c.runner, isolation.InConnection(
		func(ctx context.Context, m *store.Mapper) (struct{}, error) {
			inv, err := m.GetClusterInvalidations(ctx, nodeID)
			if err != nil {
				return struct{}{}, err
			}
			if !inv.IsEmpty() {
				c.metrics.InvalidationsReceived()
				slog.Debug("cluster invalidations received", "node", nodeID, "invalidations", inv)
				c.mu.Lock()
				c.pending = c.pending.Add(inv)
				c.mu.Unlock()
			}
			return struct{}{}, nil
		}))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastPoll = time.Time{}
		return nil, err
	}
	return c.takePendingLocked(), nil
}

func (c *Coordinator) takePendingLocked() *invalidation.Invalidations {
	inv := c.pending
	c.pending = nil
	if inv == nil {
		return invalidation.New()
	}
	return inv
}

// AddQueue registers a local queue for propagation.
func (c *Coordinator) AddQueue(q *invalidation.Queue) {
	c.queues.AddQueue(q)
}

// RemoveQueue unregisters a local queue.
func (c *Coordinator) RemoveQueue(q *invalidation.Queue) {
	c.queues.RemoveQueue(q)
}

// Propagate delivers inv to every local queue except skip, normally the
// writer's own queue. It returns the number of queues notified; an empty
// value notifies none.
func (c *Coordinator) Propagate(inv *invalidation.Invalidations, skip *invalidation.Queue) int {
	n := c.queues.Propagate(inv, skip)
	c.metrics.Delivered(n)
	return n
}

// Poll pulls from the log and propagates to local queues until ctx is
// done, then returns ctx.Err(). Pulls are paced at the configured delay. A
// reset connection recreates the node; other errors are logged and the
// loop continues.
func (c *Coordinator) Poll(ctx context.Context) error {
	interval := c.delay
	if interval < minPollInterval {
		interval = minPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait also fails early when the deadline falls before the
			// next token.
			<-ctx.Done()
			return ctx.Err()
		}
		// The limiter already paces pulls.
		c.ProcessNext()
		inv, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if store.IsConnectionReset(err) {
				if rerr := c.ConnectionWasReset(ctx); rerr != nil {
					slog.Error("cluster node recreation failed", "error", rerr)
				}
				continue
			}
			slog.Warn("cluster poll failed", "error", err)
			continue
		}
		c.Propagate(inv, nil)
	}
}
