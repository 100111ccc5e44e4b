package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("LOADOUT_PORT", "9090")
	os.Unsetenv("LOADOUT_REDIS_URL")

	path := writeConfig(t, `{
		"server": {"port": ${LOADOUT_PORT:8080}, "log_level": "${LOADOUT_LOG_LEVEL:info}"},
		"feed": {"redis_url": "${LOADOUT_REDIS_URL:}"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090 from env", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log_level = %q, want default", cfg.Server.LogLevel)
	}
	if cfg.Feed.RedisURL != "" {
		t.Errorf("redis_url = %q, want empty default", cfg.Feed.RedisURL)
	}
}

func TestLoadDefaultsCeiling(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"server": {"port": 8080}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Budget.Ceiling != DefaultCeiling {
		t.Errorf("ceiling = %d, want %d", cfg.Budget.Ceiling, DefaultCeiling)
	}

	cfg, err = Load(writeConfig(t, `{"budget": {"ceiling": 12000}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Budget.Ceiling != 12000 {
		t.Errorf("ceiling = %d, want 12000", cfg.Budget.Ceiling)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"server": `)); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestUseBuiltins(t *testing.T) {
	var c CatalogConfig
	if !c.UseBuiltins() {
		t.Error("unset builtins should default to true")
	}
	f := false
	c.Builtins = &f
	if c.UseBuiltins() {
		t.Error("builtins=false should disable defaults")
	}
}
