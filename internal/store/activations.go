package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opus67/loadout/internal/admission"
)

// ActivationEvent is one persisted evaluation outcome for a session.
type ActivationEvent struct {
	SessionID string          `json:"session_id"`
	Tick      uint64          `json:"tick"`
	Diff      *admission.Diff `json:"diff"`
	At        time.Time       `json:"at"`
}

// AppendDiff stores an evaluation diff in the activation log.
func (s *Store) AppendDiff(ctx context.Context, sessionID string, diff *admission.Diff) error {
	payload, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO activation_log (id, session_id, tick, diff)
		VALUES (gen_random_uuid(), $1, $2, $3)`,
		sessionID, diff.Tick, payload,
	)
	if err != nil {
		return fmt.Errorf("append diff: %w", err)
	}
	return nil
}

// RecentDiffs returns the most recent diffs for a session, newest first.
func (s *Store) RecentDiffs(ctx context.Context, sessionID string, limit int) ([]ActivationEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, tick, diff, created_at
		FROM activation_log
		WHERE session_id = $1
		ORDER BY tick DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent diffs: %w", err)
	}
	defer rows.Close()

	var events []ActivationEvent
	for rows.Next() {
		var ev ActivationEvent
		var payload []byte
		if err := rows.Scan(&ev.SessionID, &ev.Tick, &payload, &ev.At); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Diff); err != nil {
			return nil, fmt.Errorf("unmarshal diff: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
