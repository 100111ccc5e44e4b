package command

import (
	"context"
	"fmt"
	"strings"
)

// RegisterSearchCommand registers the /find command.
func RegisterSearchCommand(reg *Registry) {
	reg.Register(&Command{
		Name:        "find",
		Description: "Search the catalog by name, description, or trigger",
		Usage:       "/find <query>",
		Handler: func(_ context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			query := strings.ToLower(strings.TrimSpace(args))
			if query == "" {
				return &CommandResult{Content: "Usage: /find <query>"}, nil
			}

			var matches []string
			for _, r := range cc.Catalog.Records() {
				if !recordMatches(r.ID, r.Name, r.Description, r.Trigger.Keywords, query) {
					continue
				}
				matches = append(matches, fmt.Sprintf("  %s [tier %d, %d tokens] — %s",
					r.ID, r.Tier, r.TokenCost, r.Description))
			}
			if len(matches) == 0 {
				return &CommandResult{Content: "No records match: " + query}, nil
			}
			return &CommandResult{
				Content: fmt.Sprintf("Records matching %q:\n%s", query, strings.Join(matches, "\n")),
			}, nil
		},
	})
}

func recordMatches(id, name, description string, keywords []string, query string) bool {
	if strings.Contains(strings.ToLower(id), query) ||
		strings.Contains(strings.ToLower(name), query) ||
		strings.Contains(strings.ToLower(description), query) {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(kw, query) {
			return true
		}
	}
	return false
}
