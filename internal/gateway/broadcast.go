package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// History is capped; broadcasts are rare enough that only the recent
// tail has diagnostic value.
const maxBroadcastHistory = 100

// BroadcastRecord tracks a sent broadcast for history.
type BroadcastRecord struct {
	Message *BroadcastMessage `json:"message"`
	SentAt  time.Time         `json:"sent_at"`
	Targets []string          `json:"targets"`
}

// Broadcaster announces engine-wide events (budget alerts, capability
// outages, catalog reloads) through the Gateway. Safe for concurrent use
// by session routers and the HTTP surface.
type Broadcaster struct {
	gateway *Gateway
	logger  *zap.Logger

	mu      sync.Mutex
	history []BroadcastRecord
}

// NewBroadcaster creates a broadcaster backed by the given gateway.
func NewBroadcaster(gw *Gateway, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		gateway: gw,
		logger:  logger,
	}
}

// Send broadcasts a message to all or selected platforms via the gateway.
func (b *Broadcaster) Send(ctx context.Context, msg *BroadcastMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("broadcast type is required")
	}

	b.logger.Info("sending broadcast",
		zap.String("type", string(msg.Type)),
		zap.String("title", msg.Title),
		zap.String("session", msg.SessionID),
		zap.Int("priority", msg.Priority),
	)

	if err := b.gateway.Broadcast(ctx, msg); err != nil {
		return err
	}

	targets := msg.Platforms
	if len(targets) == 0 {
		targets = b.gateway.Adapters()
	}

	b.mu.Lock()
	b.history = append(b.history, BroadcastRecord{
		Message: msg,
		SentAt:  time.Now(),
		Targets: targets,
	})
	if len(b.history) > maxBroadcastHistory {
		b.history = b.history[len(b.history)-maxBroadcastHistory:]
	}
	b.mu.Unlock()

	return nil
}

// BudgetAlert announces that a session's pinned records pushed it over
// its token ceiling.
func (b *Broadcaster) BudgetAlert(ctx context.Context, sessionID, detail string) error {
	return b.Send(ctx, &BroadcastMessage{
		Type:      BroadcastBudgetAlert,
		Title:     "Session over budget",
		SessionID: sessionID,
		Content:   detail,
		Priority:  1,
	})
}

// History returns a copy of the most recent broadcast records.
func (b *Broadcaster) History(limit int) []BroadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]BroadcastRecord, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}
