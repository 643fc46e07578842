package engine

import (
	"context"
	"errors"
	"sync"

	"parley/cmd/internal/metrics"
)

// ErrBackendSaturated means the generation wait queue is full. Surfaced
// immediately to the submitter; never retried server-side.
var ErrBackendSaturated = errors.New("engine: backend saturated")

// FlowController caps concurrent generations against the LLM backend and
// queues excess turns in FIFO order, bounded by a maximum queue depth.
// Local inference is typically single/few-concurrency, so the capacity is a
// small fixed number.
type FlowController struct {
	mu       sync.Mutex
	capacity int
	maxQueue int
	inUse    int
	waiters  []*flowWaiter
}

type flowWaiter struct {
	ch chan struct{}
}

// NewFlowController constructs a controller with the given slot capacity and
// wait-queue bound.
func NewFlowController(capacity, maxQueue int) *FlowController {
	if capacity <= 0 {
		capacity = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &FlowController{capacity: capacity, maxQueue: maxQueue}
}

// Ticket is a reserved position: either a held slot or a FIFO queue spot.
// Wait blocks until the slot is granted; Release must always be called.
type Ticket struct {
	f        *FlowController
	w        *flowWaiter
	granted  bool
	released bool
}

// Enqueue reserves a slot or a queue position. It never blocks: when the
// queue is full it fails with ErrBackendSaturated so the submit call can
// surface saturation synchronously.
func (f *FlowController) Enqueue() (*Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inUse < f.capacity {
		f.inUse++
		return &Ticket{f: f, granted: true}, nil
	}
	if len(f.waiters) >= f.maxQueue {
		return nil, ErrBackendSaturated
	}

	w := &flowWaiter{ch: make(chan struct{})}
	f.waiters = append(f.waiters, w)
	metrics.GenerationQueueDepth.Inc()
	return &Ticket{f: f, w: w}, nil
}

// Wait blocks until the ticket holds a generation slot or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.granted {
		return nil
	}

	select {
	case <-t.w.ch:
		t.granted = true
		metrics.GenerationQueueDepth.Dec()
		return nil
	case <-ctx.Done():
		// A grant may have raced the cancellation; Release resolves it.
		return ctx.Err()
	}
}

// Release returns a held slot (handing it to the oldest waiter) or abandons
// a queue position. Idempotent.
func (t *Ticket) Release() {
	f := t.f

	f.mu.Lock()
	defer f.mu.Unlock()

	if t.released {
		return
	}
	t.released = true

	if !t.granted && t.w != nil {
		select {
		case <-t.w.ch:
			t.granted = true
			metrics.GenerationQueueDepth.Dec()
		default:
		}
	}

	if t.granted {
		if len(f.waiters) > 0 {
			// Hand the slot to the head of the queue; inUse is unchanged.
			next := f.waiters[0]
			f.waiters = f.waiters[1:]
			close(next.ch)
			return
		}
		f.inUse--
		return
	}

	// Still queued: remove our waiter so it can never be granted.
	for i, w := range f.waiters {
		if w == t.w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			metrics.GenerationQueueDepth.Dec()
			break
		}
	}
}

// InFlight reports held slots (for tests and introspection).
func (f *FlowController) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse
}

// QueueDepth reports queued waiters.
func (f *FlowController) QueueDepth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
