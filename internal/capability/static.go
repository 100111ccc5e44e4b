package capability

import (
	"context"
	"fmt"
)

// StaticProvider serves capabilities as in-process no-op connections. It
// backs tests and the zero-config path, where records declare capabilities
// no real server is configured for.
type StaticProvider struct {
	// Fail lists capabilities whose dial should fail, for exercising the
	// degraded path.
	Fail map[string]bool
}

// NewStaticProvider creates a provider that accepts every capability.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Dial(_ context.Context, capability string) (Conn, error) {
	if p.Fail[capability] {
		return nil, fmt.Errorf("capability %s unavailable", capability)
	}
	return staticConn{}, nil
}

type staticConn struct{}

func (staticConn) Close() error { return nil }
