// Package feed bridges sessions to Redis Streams: external producers push
// context signals onto a per-session stream, and every evaluation diff is
// published for downstream consumers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/admission"
	"github.com/opus67/loadout/internal/session"
	"github.com/opus67/loadout/internal/signal"
)

const (
	signalStreamPrefix = "loadout:signals:"
	diffStreamPrefix   = "loadout:diffs:"
)

// SignalEvent is the wire form of one context signal.
type SignalEvent struct {
	Kind  signal.Kind `json:"kind"`
	Value string      `json:"value"`
}

// Feed is a Redis-backed signal ingress and diff egress.
type Feed struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL string, logger *zap.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Feed{rdb: rdb, logger: logger}, nil
}

// PublishSignal appends a signal to a session's inbound stream.
func (f *Feed) PublishSignal(ctx context.Context, sessionID string, ev *SignalEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := signalStreamPrefix + sessionID
	_, err = f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish signal to %s: %w", stream, err)
	}
	return nil
}

// PublishDiff appends an evaluation diff to a session's outbound stream.
func (f *Feed) PublishDiff(ctx context.Context, sessionID string, d *admission.Diff) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}

	stream := diffStreamPrefix + sessionID
	_, err = f.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish diff to %s: %w", stream, err)
	}

	f.logger.Debug("published diff",
		zap.String("session", sessionID),
		zap.Uint64("tick", d.Tick))
	return nil
}

// Signals listens on a session's inbound stream. Returns a channel that
// emits events. Cancel the context to stop.
func (f *Feed) Signals(ctx context.Context, sessionID string) <-chan *SignalEvent {
	ch := make(chan *SignalEvent, 16)
	stream := signalStreamPrefix + sessionID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := f.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev SignalEvent
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Attach pumps a session's streams until the context is canceled: inbound
// signal events are enqueued on the session, and every diff the session
// publishes is mirrored to the outbound stream.
func (f *Feed) Attach(ctx context.Context, sess *session.Session) {
	go func() {
		for ev := range f.Signals(ctx, sess.ID) {
			if tick := sess.Signal(ev.Kind, ev.Value); tick == 0 {
				f.logger.Warn("feed signal rejected",
					zap.String("session", sess.ID),
					zap.String("kind", string(ev.Kind)))
			}
		}
	}()

	go func() {
		diffs, cancel := sess.Subscribe()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-diffs:
				if !ok {
					return
				}
				if err := f.PublishDiff(ctx, sess.ID, d); err != nil {
					f.logger.Warn("diff publish failed",
						zap.String("session", sess.ID), zap.Error(err))
				}
			}
		}
	}()
}

// Close shuts down the Redis connection.
func (f *Feed) Close() error {
	return f.rdb.Close()
}
