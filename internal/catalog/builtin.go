package catalog

// Builtins returns the default records shipped with the engine, so a session
// is usable with zero configuration. Costs and tiers follow the shape of the
// original skill corpus: small always-relevant core entries at tier 1 and
// heavier specialist entries below.
func Builtins() []*Record {
	return []*Record{
		{
			ID:          "code-review",
			Name:        "code-review",
			Description: "Review diffs and flag correctness, style, and security issues",
			Tier:        1,
			TokenCost:   1200,
			Trigger: Trigger{
				Keywords:   []string{"review", "diff", "refactor", "lint"},
				Extensions: []string{".go", ".ts", ".py"},
			},
			Source: "builtin",
		},
		{
			ID:          "sql-migrations",
			Name:        "sql-migrations",
			Description: "Author and audit schema migrations",
			Tier:        2,
			TokenCost:   2500,
			Trigger: Trigger{
				Keywords:    []string{"migration", "schema", "index", "postgres"},
				Extensions:  []string{".sql"},
				DirPrefixes: []string{"migrations", "db"},
			},
			Source: "builtin",
		},
		{
			ID:           "web-research",
			Name:         "web-research",
			Description:  "Search external documentation for current information",
			Tier:         2,
			TokenCost:    1800,
			Capabilities: []string{"context7"},
			Trigger: Trigger{
				Keywords: []string{"docs", "documentation", "upgrade", "changelog"},
			},
			Source: "builtin",
		},
		{
			ID:           "payments",
			Name:         "payments",
			Description:  "Payment flow integration and webhook handling",
			Tier:         3,
			TokenCost:    4000,
			Capabilities: []string{"stripe"},
			Trigger: Trigger{
				Keywords:    []string{"payment", "checkout", "invoice", "subscription", "webhook"},
				DirPrefixes: []string{"billing", "payments"},
			},
			Source: "builtin",
		},
	}
}
