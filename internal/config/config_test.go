package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("SessionTTL = %v, want 30m", cfg.SessionTTL)
	}
	if cfg.SessionSweepInterval != 5*time.Minute {
		t.Fatalf("SessionSweepInterval = %v, want TTL/6", cfg.SessionSweepInterval)
	}
	if cfg.HistoryWindow != 10 {
		t.Fatalf("HistoryWindow = %d, want 10", cfg.HistoryWindow)
	}
	if cfg.BrainMode != "auto" || cfg.BrainHTTPURL != "" {
		t.Fatalf("BrainMode = %q, BrainHTTPURL = %q, want auto and empty", cfg.BrainMode, cfg.BrainHTTPURL)
	}
	if cfg.BrainTimeout != 30*time.Second {
		t.Fatalf("BrainTimeout = %v, want 30s", cfg.BrainTimeout)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_TTL", "12m")
	t.Setenv("APP_HISTORY_WINDOW", "4")
	t.Setenv("APP_CATEGORIES", "keys, wallet ,,bag")
	t.Setenv("BRAIN_HTTP_URL", " http://localhost:7777/v1/chat/completions ")
	t.Setenv("APP_LOG_PRETTY", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionTTL != 12*time.Minute || cfg.SessionSweepInterval != 2*time.Minute {
		t.Fatalf("SessionTTL = %v, SessionSweepInterval = %v", cfg.SessionTTL, cfg.SessionSweepInterval)
	}
	if cfg.HistoryWindow != 4 || !cfg.LogPretty {
		t.Fatalf("HistoryWindow = %d, LogPretty = %v", cfg.HistoryWindow, cfg.LogPretty)
	}
	if len(cfg.Categories) != 3 || cfg.Categories[1] != "wallet" {
		t.Fatalf("Categories = %#v", cfg.Categories)
	}
	if cfg.BrainHTTPURL != "http://localhost:7777/v1/chat/completions" {
		t.Fatalf("BrainHTTPURL = %q, want trimmed value", cfg.BrainHTTPURL)
	}
}

func TestLoadRejectsShortTTL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_TTL", "30s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for APP_SESSION_TTL below 1m")
	}
}

func TestLoadRejectsBadBool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for invalid bool")
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("BRAIN_MODEL=from-file\nAPP_BIND_ADDR=:7070\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":9090")
	// godotenv sets variables directly; make sure they are cleared after the test.
	t.Setenv("BRAIN_MODEL", "")
	os.Unsetenv("BRAIN_MODEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BrainModel != "from-file" {
		t.Fatalf("BrainModel = %q, want value from file", cfg.BrainModel)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want environment to win", cfg.BindAddr)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_PRETTY",
		"APP_SESSION_TTL",
		"APP_SESSION_SWEEP_INTERVAL",
		"APP_HISTORY_WINDOW",
		"APP_CATEGORIES",
		"BRAIN_MODE",
		"BRAIN_HTTP_URL",
		"BRAIN_FALLBACK_URL",
		"BRAIN_API_KEY",
		"BRAIN_MODEL",
		"BRAIN_TIMEOUT",
		"BRAIN_STREAM",
		"DATABASE_URL",
		"SQLITE_PATH",
		"RECORDS_SEED_FILE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
