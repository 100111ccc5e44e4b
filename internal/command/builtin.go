package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opus67/loadout/internal/session"
)

// RegisterBuiltins wires up the built-in slash commands.
func RegisterBuiltins(reg *Registry) {
	reg.Register(helpCommand(reg))
	reg.Register(skillsCommand())
	reg.Register(activeCommand())
	reg.Register(budgetCommand())
	reg.Register(loadCommand())
	reg.Register(unloadCommand())
}

// ---------------------------------------------------------------------------
// /help
// ---------------------------------------------------------------------------

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			cmds := reg.List()
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range cmds {
				fmt.Fprintf(&b, "  /%s — %s\n", c.Name, c.Description)
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /skills
// ---------------------------------------------------------------------------

func skillsCommand() *Command {
	return &Command{
		Name:        "skills",
		Description: "List catalog records",
		Usage:       "/skills",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			records := cc.Catalog.Records()
			if len(records) == 0 {
				return &CommandResult{Content: "Catalog is empty."}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Catalog (%d records):\n", len(records))
			for _, r := range records {
				fmt.Fprintf(&b, "  %s [tier %d, %d tokens] — %s", r.ID, r.Tier, r.TokenCost, r.Name)
				if len(r.Capabilities) > 0 {
					fmt.Fprintf(&b, " (needs: %s)", strings.Join(r.Capabilities, ", "))
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String(), Data: records}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /active
// ---------------------------------------------------------------------------

func activeCommand() *Command {
	return &Command{
		Name:        "active",
		Description: "Show the currently admitted selection",
		Usage:       "/active",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			snap := cc.Session.Snapshot()
			if len(snap.Active) == 0 {
				return &CommandResult{Content: "Nothing admitted yet."}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Active selection (tick %d):\n", snap.Tick)
			for _, e := range snap.Active {
				flags := ""
				if e.Exempt {
					flags += " [pinned]"
				}
				if e.Degraded {
					flags += " [degraded]"
				}
				fmt.Fprintf(&b, "  %s score=%.1f admitted@%d%s\n",
					e.RecordID, e.Score.Value, e.AdmittedAt, flags)
			}
			return &CommandResult{Content: b.String(), Data: snap}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /budget
// ---------------------------------------------------------------------------

func budgetCommand() *Command {
	return &Command{
		Name:        "budget",
		Description: "Show token budget usage",
		Usage:       "/budget",
		Handler: func(_ context.Context, _ string, cc *CommandContext) (*CommandResult, error) {
			snap := cc.Session.Snapshot()
			var b strings.Builder
			fmt.Fprintf(&b, "Budget: %d / %d tokens\n", snap.Used, snap.Ceiling)
			for _, e := range snap.Active {
				cost := 0
				if r := cc.Catalog.Get(e.RecordID); r != nil {
					cost = r.TokenCost
				}
				fmt.Fprintf(&b, "  %s: %d tokens", e.RecordID, cost)
				if e.Exempt {
					b.WriteString(" (pinned, outside budget)")
				}
				b.WriteByte('\n')
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /load and /unload
// ---------------------------------------------------------------------------

func loadCommand() *Command {
	return &Command{
		Name:        "load",
		Description: "Pin a record into the selection",
		Usage:       "/load <record-id>",
		Handler: func(_ context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			id := strings.TrimSpace(args)
			if id == "" {
				return &CommandResult{Content: "Usage: /load <record-id>"}, nil
			}
			if err := cc.Session.Load(id); err != nil {
				if errors.Is(err, session.ErrRecordNotFound) {
					return &CommandResult{Content: fmt.Sprintf("No such record: %s", id)}, nil
				}
				return nil, err
			}
			return &CommandResult{Content: fmt.Sprintf("Pinned %s. It stays loaded until /unload.", id)}, nil
		},
	}
}

func unloadCommand() *Command {
	return &Command{
		Name:        "unload",
		Description: "Remove a record from the selection",
		Usage:       "/unload <record-id>",
		Handler: func(_ context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			id := strings.TrimSpace(args)
			if id == "" {
				return &CommandResult{Content: "Usage: /unload <record-id>"}, nil
			}
			if err := cc.Session.Unload(id); err != nil {
				if errors.Is(err, session.ErrRecordNotFound) {
					return &CommandResult{Content: fmt.Sprintf("No such record: %s", id)}, nil
				}
				return nil, err
			}
			return &CommandResult{Content: fmt.Sprintf("Unloaded %s.", id)}, nil
		},
	}
}
