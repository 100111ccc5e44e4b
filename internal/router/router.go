// Package router connects gateway traffic to selection sessions: slash
// commands dispatch directly, everything else becomes context signals for
// the channel's session.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/admission"
	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/command"
	"github.com/opus67/loadout/internal/gateway"
	"github.com/opus67/loadout/internal/session"
	"github.com/opus67/loadout/internal/signal"
	pgstore "github.com/opus67/loadout/internal/store"
)

// evaluateTimeout bounds how long Handle waits for the session to settle a
// tick before replying with a stale snapshot.
const evaluateTimeout = 3 * time.Second

// MessageRouter routes inbound messages to the owning session.
type MessageRouter struct {
	manager     *session.Manager
	cat         *catalog.Catalog
	gw          *gateway.Gateway
	commands    *command.Registry
	store       *pgstore.Store // optional activation log
	broadcaster *gateway.Broadcaster

	mu       sync.Mutex
	sessions map[string]*session.Session // platform:channel -> session

	logger *zap.Logger
}

// New creates a new MessageRouter. store and broadcaster may be nil.
func New(manager *session.Manager, cat *catalog.Catalog, gw *gateway.Gateway,
	commands *command.Registry, store *pgstore.Store,
	broadcaster *gateway.Broadcaster, logger *zap.Logger) *MessageRouter {
	return &MessageRouter{
		manager:     manager,
		cat:         cat,
		gw:          gw,
		commands:    commands,
		store:       store,
		broadcaster: broadcaster,
		sessions:    make(map[string]*session.Session),
		logger:      logger,
	}
}

// Handle routes an inbound message. Signature matches gateway.MessageHandler.
func (mr *MessageRouter) Handle(msg *gateway.InboundMessage) {
	ctx := context.Background()
	mr.logger.Info("routing message",
		zap.String("platform", msg.Platform),
		zap.String("channel", msg.ChannelID),
		zap.String("user", msg.UserName),
	)

	sess, err := mr.sessionFor(msg.Platform, msg.ChannelID)
	if err != nil {
		mr.logger.Error("session create failed", zap.Error(err))
		mr.sendReply(ctx, msg, "Session error: "+err.Error())
		return
	}

	// Slash commands bypass signal extraction.
	if strings.HasPrefix(msg.Content, "/") {
		cc := &command.CommandContext{
			Platform:  msg.Platform,
			ChannelID: msg.ChannelID,
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			Catalog:   mr.cat,
			Session:   sess,
		}
		result, err := mr.commands.Dispatch(ctx, msg.Content, cc)
		if err != nil {
			mr.logger.Error("command dispatch error", zap.Error(err))
			mr.sendReply(ctx, msg, "Command error: "+err.Error())
			return
		}
		mr.sendReply(ctx, msg, result.Content)
		return
	}

	diff := mr.ingest(sess, msg.Content)
	if diff == nil {
		snap := sess.Snapshot()
		mr.sendReply(ctx, msg, fmt.Sprintf("Selection unchanged (%d/%d tokens).", snap.Used, snap.Ceiling))
		return
	}

	if mr.store != nil {
		if err := mr.store.AppendDiff(ctx, sess.ID, diff); err != nil {
			mr.logger.Warn("activation log write failed", zap.Error(err))
		}
	}
	mr.announceWarnings(ctx, sess.ID, diff)
	mr.sendReply(ctx, msg, RenderDiff(diff))
}

// sessionFor returns the channel's session, creating one on first contact.
func (mr *MessageRouter) sessionFor(platform, channelID string) (*session.Session, error) {
	key := platform + ":" + channelID
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if s, ok := mr.sessions[key]; ok && s.Phase() != session.PhaseTearingDown {
		return s, nil
	}
	s, err := mr.manager.Create(0)
	if err != nil {
		return nil, err
	}
	mr.sessions[key] = s
	mr.logger.Info("session bound to channel",
		zap.String("channel", key), zap.String("session", s.ID))
	return s, nil
}

// ingest turns free text into signals and waits for the resulting tick's
// diff. Returns nil when the text produced no signals or the tick did not
// settle in time.
func (mr *MessageRouter) ingest(sess *session.Session, content string) *admission.Diff {
	diffs, cancel := sess.Subscribe()
	defer cancel()

	var lastTick uint64
	for _, sig := range ExtractSignals(content) {
		if tick := sess.Signal(sig.Kind, sig.Value); tick > lastTick {
			lastTick = tick
		}
	}
	if lastTick == 0 {
		return nil
	}

	deadline := time.After(evaluateTimeout)
	for {
		select {
		case d := <-diffs:
			if d.Tick >= lastTick {
				return d
			}
		case <-deadline:
			mr.logger.Warn("tick did not settle in time", zap.Uint64("tick", lastTick))
			return nil
		}
	}
}

// ExtractSignals derives context signals from chat text. Path-shaped words
// become file or directory signals; the rest is tokenized into keywords.
func ExtractSignals(content string) []signal.Signal {
	var out []signal.Signal
	var prose []string

	for _, field := range strings.Fields(content) {
		switch {
		case strings.HasSuffix(field, "/"):
			out = append(out, signal.Signal{Kind: signal.DirectoryEntered, Value: field})
		case strings.Contains(field, "/"):
			out = append(out, signal.Signal{Kind: signal.FileTouched, Value: field})
		default:
			prose = append(prose, field)
		}
	}
	for _, tok := range signal.Tokenize(strings.Join(prose, " ")) {
		out = append(out, signal.Signal{Kind: signal.Keyword, Value: tok})
	}
	return out
}

// RenderDiff formats an evaluation outcome for chat display.
func RenderDiff(d *admission.Diff) string {
	if d.Empty() {
		return fmt.Sprintf("Selection unchanged (%d/%d tokens).", d.Used, d.Ceiling)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Selection updated (tick %d, %d/%d tokens):\n", d.Tick, d.Used, d.Ceiling)
	for _, id := range d.Admitted {
		fmt.Fprintf(&b, "  + %s\n", id)
	}
	for _, id := range d.Evicted {
		fmt.Fprintf(&b, "  - %s\n", id)
	}
	for _, w := range d.Warnings {
		fmt.Fprintf(&b, "  ! %s\n", w.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// announceWarnings pushes budget warnings to all platforms.
func (mr *MessageRouter) announceWarnings(ctx context.Context, sessionID string, d *admission.Diff) {
	if mr.broadcaster == nil {
		return
	}
	for _, w := range d.Warnings {
		if w.Kind != admission.WarnBudgetOverCeiling {
			continue
		}
		if err := mr.broadcaster.BudgetAlert(ctx, sessionID, w.Message); err != nil {
			mr.logger.Warn("budget broadcast failed", zap.Error(err))
		}
	}
}

// sendReply sends a text reply back to the originating platform/channel.
func (mr *MessageRouter) sendReply(ctx context.Context, orig *gateway.InboundMessage, text string) {
	err := mr.gw.Send(ctx, &gateway.OutboundMessage{
		Platform:  orig.Platform,
		ChannelID: orig.ChannelID,
		Content:   text,
		ReplyTo:   orig.ReplyTo,
	})
	if err != nil {
		mr.logger.Error("send reply failed", zap.Error(err))
	}
}
