package command

import (
	"context"
	"fmt"
	"strings"
)

// RegisterAdminCommands registers /pool, /session, and /excluded.
func RegisterAdminCommands(reg *Registry) {
	reg.Register(poolCommand())
	reg.Register(sessionCommand())
	reg.Register(excludedCommand())
}

func poolCommand() *Command {
	return &Command{
		Name:        "pool",
		Description: "Show capability connection states",
		Usage:       "/pool",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			snap := cc.Session.Snapshot()
			if len(snap.Pool) == 0 {
				return &CommandResult{Content: "No capability connections held."}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Capability pool (%d handles):\n", len(snap.Pool))
			for _, s := range snap.Pool {
				fmt.Fprintf(&b, "  %s: %s (refs %d)", s.Capability, s.State, s.Refs)
				if s.Error != "" {
					fmt.Fprintf(&b, " — %s", s.Error)
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String(), Data: snap.Pool}, nil
		},
	}
}

func sessionCommand() *Command {
	return &Command{
		Name:        "session",
		Description: "Show this channel's session state",
		Usage:       "/session",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			snap := cc.Session.Snapshot()
			return &CommandResult{
				Content: fmt.Sprintf("Session %s\n  Phase: %s\n  Tick: %d\n  Budget: %d / %d tokens\n  Active: %d records",
					snap.ID, snap.Phase, snap.Tick, snap.Used, snap.Ceiling, len(snap.Active)),
				Data: snap,
			}, nil
		},
	}
}

func excludedCommand() *Command {
	return &Command{
		Name:        "excluded",
		Description: "List records dropped during catalog build",
		Usage:       "/excluded",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			dropped := cc.Catalog.Excluded()
			if len(dropped) == 0 {
				return &CommandResult{Content: "No records were excluded."}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Excluded records (%d):\n", len(dropped))
			for _, e := range dropped {
				fmt.Fprintf(&b, "  %s (%s): %s\n", e.ID, e.Source, e.Reason)
			}
			return &CommandResult{Content: b.String(), Data: dropped}, nil
		},
	}
}
