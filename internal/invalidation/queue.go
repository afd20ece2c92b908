package invalidation

import (
	"sync"
)

// Queue accumulates invalidations for one session until it drains them.
//
// Thread-safety: Add may be called from any goroutine (the propagator runs
// on the writer's goroutine); Drain is called by the owning session.
type Queue struct {
	name string

	mu  sync.Mutex
	inv *Invalidations
}

// NewQueue creates an empty named queue.
func NewQueue(name string) *Queue {
	return &Queue{name: name, inv: New()}
}

// Name returns the queue name, used in logs.
func (q *Queue) Name() string {
	return q.name
}

// Add merges a copy of inv into the queue.
func (q *Queue) Add(inv *Invalidations) {
	if inv.IsEmpty() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inv = q.inv.Add(inv.Clone())
}

// Drain returns everything accumulated so far and empties the queue.
func (q *Queue) Drain() *Invalidations {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.inv
	q.inv = New()
	return out
}

// Propagator fans invalidations out to the queues registered with it.
//
// Delivery is synchronous: Propagate returns once every queue holds the
// invalidations.
type Propagator struct {
	name string

	mu     sync.RWMutex
	queues []*Queue
}

// NewPropagator creates a propagator with no queues.
func NewPropagator(name string) *Propagator {
	return &Propagator{name: name}
}

// AddQueue registers q. Registering the same queue twice is a no-op.
func (p *Propagator) AddQueue(q *Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.queues {
		if existing == q {
			return
		}
	}
	p.queues = append(p.queues, q)
}

// RemoveQueue unregisters q.
func (p *Propagator) RemoveQueue(q *Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.queues {
		if existing == q {
			p.queues = append(p.queues[:i], p.queues[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered queues.
func (p *Propagator) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queues)
}

// Propagate delivers inv to every queue except skip.
// Empty invalidations notify nobody. It returns the number of queues notified.
func (p *Propagator) Propagate(inv *Invalidations, skip *Queue) int {
	if inv.IsEmpty() {
		return 0
	}
	p.mu.RLock()
	queues := make([]*Queue, len(p.queues))
	copy(queues, p.queues)
	p.mu.RUnlock()

	n := 0
	for _, q := range queues {
		if q == skip {
			continue
		}
		q.Add(inv)
		n++
	}
	return n
}
