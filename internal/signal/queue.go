package signal

import "sync"

// Queue collects signals between evaluation ticks. Enqueue never blocks;
// duplicate kind+value pairs within a pending batch coalesce to the newest
// tick. Drain hands the batch to the consumer and resets the queue.
type Queue struct {
	mu      sync.Mutex
	pending map[key]int // kind+value -> index into order
	order   []Signal
	tick    uint64

	notify chan struct{} // buffered(1) wakeup for the consumer
}

type key struct {
	kind  Kind
	value string
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make(map[key]int),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue adds a signal, assigning it the next tick. Returns the assigned
// tick. Invalid kinds are dropped and report tick 0.
func (q *Queue) Enqueue(kind Kind, value string) uint64 {
	if !kind.Valid() || value == "" {
		return 0
	}

	q.mu.Lock()
	q.tick++
	t := q.tick
	k := key{kind: kind, value: value}
	if i, ok := q.pending[k]; ok {
		q.order[i].Tick = t
	} else {
		q.pending[k] = len(q.order)
		q.order = append(q.order, Signal{Kind: kind, Value: value, Tick: t})
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return t
}

// Drain returns the pending batch in enqueue order and clears the queue.
// Returns nil when nothing is pending.
func (q *Queue) Drain() []Signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	batch := q.order
	q.order = nil
	q.pending = make(map[key]int)
	return batch
}

// Tick returns the last assigned tick.
func (q *Queue) Tick() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tick
}

// Wait returns the wakeup channel. It fires at least once after any
// Enqueue; consumers drain until empty.
func (q *Queue) Wait() <-chan struct{} { return q.notify }

// Len returns the number of pending (coalesced) signals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
