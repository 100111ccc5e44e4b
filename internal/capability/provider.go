// Package capability manages the external connections active records
// require: a refcounted pool of shared handles, pluggable dial providers,
// and the per-handle connection state machine.
package capability

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Conn is an established capability connection. The engine only drives its
// lifecycle; the wire protocol behind it is the provider's concern.
type Conn interface {
	Close() error
}

// Provider dials connections for the capabilities it serves.
type Provider interface {
	Name() string
	Dial(ctx context.Context, capability string) (Conn, error)
}

// Registry maps capability identifiers to providers. A capability can be
// bound to a specific provider; unbound capabilities fall through to the
// default.
type Registry struct {
	providers map[string]Provider
	bindings  map[string]string // capability -> provider name
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		logger:    logger,
	}
}

// Register adds a provider. The first registered provider becomes the
// default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaults == "" {
		r.defaults = p.Name()
	}
	r.logger.Info("registered capability provider", zap.String("provider", p.Name()))
}

// Bind routes a capability to a named provider.
func (r *Registry) Bind(capability, providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[capability] = providerName
}

// Resolve returns the provider serving a capability.
func (r *Registry) Resolve(capability string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.bindings[capability]; ok {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("capability %s bound to unknown provider %s", capability, name)
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no provider available for capability %s", capability)
}
