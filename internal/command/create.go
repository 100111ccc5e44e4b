package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/opus67/loadout/internal/catalog"
)

// ---------------------------------------------------------------------------
// Callback types: authoring commands use function callbacks to avoid
// importing the store. The wiring code in main provides closures that bridge
// to the real persistence layer.
// ---------------------------------------------------------------------------

// RecordUpsertFunc persists a catalog record.
type RecordUpsertFunc func(ctx context.Context, r catalog.Record) error

// RecordDeleteFunc removes a persisted catalog record by id.
type RecordDeleteFunc func(ctx context.Context, id string) error

// RegisterAuthoringCommands registers /create_record and /delete_record.
// Only called when a persistent store is configured.
func RegisterAuthoringCommands(reg *Registry, upsert RecordUpsertFunc, del RecordDeleteFunc) {
	reg.Register(createRecordCommand(upsert))
	reg.Register(deleteRecordCommand(del))
}

// ---------------------------------------------------------------------------
// /create_record <id> cost=<tokens> [tier=<n>] [kw=a,b] [ext=.go,.sql]
//                [dir=x/y] [cap=stripe] [name=...]
// ---------------------------------------------------------------------------

const createRecordUsage = "Usage: /create_record <id> cost=<tokens> [tier=<n>] [kw=a,b] [ext=.go,.sql] [dir=x/y] [cap=stripe] [name=<display name>]"

func createRecordCommand(upsert RecordUpsertFunc) *Command {
	return &Command{
		Name:        "create_record",
		Description: "Author a catalog record and persist it",
		Usage:       "/create_record <id> cost=<tokens> [tier=<n>] [kw=...] [ext=...] [dir=...] [cap=...]",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			fields := strings.Fields(args)
			if len(fields) < 2 {
				return &CommandResult{Content: createRecordUsage}, nil
			}

			r := catalog.Record{ID: fields[0], Source: "postgres"}
			for _, f := range fields[1:] {
				key, val, ok := strings.Cut(f, "=")
				if !ok {
					return &CommandResult{Content: createRecordUsage}, nil
				}
				switch key {
				case "cost":
					n, err := strconv.Atoi(val)
					if err != nil {
						return &CommandResult{Content: fmt.Sprintf("Bad cost %q: must be a token count.", val)}, nil
					}
					r.TokenCost = n
				case "tier":
					n, err := strconv.Atoi(val)
					if err != nil {
						return &CommandResult{Content: fmt.Sprintf("Bad tier %q: must be a number.", val)}, nil
					}
					r.Tier = n
				case "kw":
					r.Trigger.Keywords = splitList(val)
				case "ext":
					r.Trigger.Extensions = splitList(val)
				case "dir":
					r.Trigger.DirPrefixes = splitList(val)
				case "cap":
					r.Capabilities = splitList(val)
				case "name":
					r.Name = val
				default:
					return &CommandResult{Content: fmt.Sprintf("Unknown field %q.\n%s", key, createRecordUsage)}, nil
				}
			}
			if r.Name == "" {
				r.Name = r.ID
			}
			if err := r.Validate(); err != nil {
				return &CommandResult{Content: fmt.Sprintf("Invalid record: %v", err)}, nil
			}

			if err := upsert(ctx, r); err != nil {
				return &CommandResult{Content: fmt.Sprintf("Failed to store record: %v", err)}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Record %s stored (tier %d, %d tokens). It joins the catalog on the next restart.",
					r.ID, r.Tier, r.TokenCost),
				Data: r,
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /delete_record <id>
// ---------------------------------------------------------------------------

func deleteRecordCommand(del RecordDeleteFunc) *Command {
	return &Command{
		Name:        "delete_record",
		Description: "Remove a persisted catalog record",
		Usage:       "/delete_record <record-id>",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			id := strings.TrimSpace(args)
			if id == "" {
				return &CommandResult{Content: "Usage: /delete_record <record-id>"}, nil
			}
			if err := del(ctx, id); err != nil {
				return &CommandResult{Content: fmt.Sprintf("Failed to delete record: %v", err)}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Record %s deleted. Live sessions keep their current catalog.", id),
			}, nil
		},
	}
}

func splitList(val string) []string {
	var out []string
	for _, v := range strings.Split(val, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
