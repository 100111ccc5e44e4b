package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// State is a handle's position in the connection lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateReleasing  State = "releasing"
	StateClosed     State = "closed"
)

// ErrNotHeld is returned by Release when the caller never acquired the
// capability. It signals an accounting defect, not a runtime condition.
var ErrNotHeld = errors.New("capability not held")

// StateFunc is notified whenever a handle changes state. Called outside the
// pool lock; implementations may call back into the pool.
type StateFunc func(capability string, state State)

// Status is a point-in-time view of one pooled handle.
type Status struct {
	Capability string `json:"capability"`
	State      State  `json:"state"`
	Refs       int    `json:"refs"`
	Error      string `json:"error,omitempty"`
}

type handle struct {
	capability string
	refs       int
	state      State
	conn       Conn
	lastErr    error
	cancel     context.CancelFunc
	done       chan struct{}
}

// Pool shares one connection per capability across all records requiring
// it, reference-counted. Connection establishment runs asynchronously so a
// record's admission never waits on the network.
type Pool struct {
	registry *Registry
	onState  StateFunc

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	dialTimeout time.Duration
	attempts    uint
	maxDelay    time.Duration

	logger *zap.Logger
}

// NewPool creates a pool. onState may be nil.
func NewPool(registry *Registry, onState StateFunc, logger *zap.Logger) *Pool {
	return &Pool{
		registry:    registry,
		onState:     onState,
		handles:     make(map[string]*handle),
		dialTimeout: 15 * time.Second,
		attempts:    5,
		maxDelay:    30 * time.Second,
		logger:      logger,
	}
}

// SetDialRetry overrides the dial retry policy. Callers that need fast
// failure against an unreachable provider, such as tests, can drop the
// attempt count to one.
func (p *Pool) SetDialRetry(attempts uint, maxDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if attempts > 0 {
		p.attempts = attempts
	}
	if maxDelay > 0 {
		p.maxDelay = maxDelay
	}
}

// Acquire takes a reference on the capability's shared handle, establishing
// it in the background if this is the first holder. Returns the handle's
// current state.
func (p *Pool) Acquire(capability string) State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return StateClosed
	}

	if h, ok := p.handles[capability]; ok {
		h.refs++
		return h.state
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		capability: capability,
		refs:       1,
		state:      StatePending,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	p.handles[capability] = h
	go p.connect(ctx, h)
	return h.state
}

// connect dials with bounded exponential backoff. Failure after the final
// attempt leaves the handle degraded; it stays degraded until released.
func (p *Pool) connect(ctx context.Context, h *handle) {
	defer close(h.done)
	p.setState(h, StateConnecting, nil)

	provider, err := p.registry.Resolve(h.capability)
	if err != nil {
		p.setState(h, StateDegraded, err)
		return
	}

	p.mu.Lock()
	attempts, maxDelay, dialTimeout := p.attempts, p.maxDelay, p.dialTimeout
	p.mu.Unlock()

	var conn Conn
	err = retry.Do(
		func() error {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			c, dialErr := provider.Dial(dialCtx, h.capability)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(maxDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by release or teardown; release owns the
			// terminal state.
			return
		}
		p.logger.Warn("capability dial failed",
			zap.String("capability", h.capability),
			zap.Error(err))
		p.setState(h, StateDegraded, err)
		return
	}

	p.mu.Lock()
	if h.state == StateReleasing || h.state == StateClosed {
		// Released while the dial was in flight.
		p.mu.Unlock()
		conn.Close()
		return
	}
	h.conn = conn
	p.mu.Unlock()

	p.logger.Info("capability connected", zap.String("capability", h.capability))
	p.setState(h, StateReady, nil)
}

// Release drops one reference. The underlying connection is torn down only
// when the last holder releases. Releasing a capability that was never
// acquired returns ErrNotHeld.
func (p *Pool) Release(capability string) error {
	p.mu.Lock()
	h, ok := p.handles[capability]
	if !ok || h.refs <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", capability, ErrNotHeld)
	}
	h.refs--
	if h.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	h.state = StateReleasing
	conn := h.conn
	h.conn = nil
	delete(p.handles, capability)
	p.mu.Unlock()

	h.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			p.logger.Warn("capability close failed",
				zap.String("capability", capability), zap.Error(err))
		}
	}
	p.notifyState(capability, StateClosed)
	p.logger.Debug("capability released", zap.String("capability", capability))
	return nil
}

// Holds reports whether the capability currently has any holder.
func (p *Pool) Holds(capability string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[capability]
	return ok && h.refs > 0
}

// StateOf returns the capability's current state, or StateClosed when the
// pool holds no handle for it.
func (p *Pool) StateOf(capability string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[capability]; ok {
		return h.state
	}
	return StateClosed
}

// Statuses returns a snapshot of every pooled handle.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.handles))
	for _, h := range p.handles {
		s := Status{Capability: h.capability, State: h.state, Refs: h.refs}
		if h.lastErr != nil {
			s.Error = h.lastErr.Error()
		}
		out = append(out, s)
	}
	return out
}

// Close tears down every handle and cancels in-flight dials. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*handle, 0, len(p.handles))
	for _, h := range p.handles {
		h.state = StateReleasing
		handles = append(handles, h)
	}
	p.handles = make(map[string]*handle)
	p.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
		if h.conn != nil {
			h.conn.Close()
		}
	}
}

func (p *Pool) setState(h *handle, s State, err error) {
	p.mu.Lock()
	if h.state == StateReleasing || h.state == StateClosed {
		p.mu.Unlock()
		return
	}
	h.state = s
	h.lastErr = err
	p.mu.Unlock()
	p.notifyState(h.capability, s)
}

func (p *Pool) notifyState(capability string, s State) {
	if p.onState != nil {
		p.onState(capability, s)
	}
}
