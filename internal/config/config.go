package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// DefaultCeiling is the per-session token budget used when the config
// does not set one.
const DefaultCeiling = 30000

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig     `json:"server"`
	Budget       BudgetConfig     `json:"budget"`
	Catalog      CatalogConfig    `json:"catalog"`
	Capabilities CapabilityConfig `json:"capabilities"`
	Gateway      GatewayConfig    `json:"gateway"`
	Feed         FeedConfig       `json:"feed"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// BudgetConfig holds the admission budget and scoring knobs.
type BudgetConfig struct {
	// Ceiling is the default per-session token budget.
	Ceiling int `json:"ceiling"`
	// RecencyWindow is the tick horizon beyond which signals stop
	// contributing to scores. Zero keeps the scorer default.
	RecencyWindow uint64 `json:"recency_window"`
}

type CatalogConfig struct {
	// Dir is scanned for per-record directories holding a skill.json
	// manifest or a SKILL.md with frontmatter.
	Dir string `json:"dir"`
	// PostgresDSN, when set, loads records from the skill_records table.
	PostgresDSN string `json:"postgres_dsn"`
	// Builtins disables the shipped default records when set to false.
	Builtins *bool `json:"builtins,omitempty"`
}

type CapabilityConfig struct {
	Servers []CapabilityServerConfig `json:"servers"`
}

// CapabilityServerConfig maps a capability name to its SSE endpoint.
type CapabilityServerConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type FeedConfig struct {
	// RedisURL enables the Redis Streams signal feed when set.
	RedisURL string `json:"redis_url"`
}

// UseBuiltins reports whether the shipped default records should be
// included in the catalog.
func (c CatalogConfig) UseBuiltins() bool {
	return c.Builtins == nil || *c.Builtins
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Budget.Ceiling <= 0 {
		cfg.Budget.Ceiling = DefaultCeiling
	}
	return &cfg, nil
}
