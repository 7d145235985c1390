package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"raidguard/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAMLKeepsDetectionDefaults(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("DATABASE_URL", "")
	path := writeFile(t, "raidguard.yaml", "log_level: debug\nstorage:\n  driver: sqlite\n  dsn: file::memory:\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %s", cfg.LogLevel)
	}
	if cfg.Detection.Alpha != 0.3 || cfg.Detection.JoinWindow != 10*time.Minute {
		t.Fatalf("detection defaults lost: %+v", cfg.Detection)
	}
	if cfg.Detection.Decision.LockdownAt != 0.95 {
		t.Fatalf("lockdown default: %v", cfg.Detection.Decision.LockdownAt)
	}
	if cfg.Detection.Decision.DefaultThreshold != model.DefaultRiskThreshold {
		t.Fatalf("threshold default: %v", cfg.Detection.Decision.DefaultThreshold)
	}
	if cfg.Notify.QueueSize != 64 {
		t.Fatalf("notify queue default: %d", cfg.Notify.QueueSize)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("DATABASE_URL", "")
	path := writeFile(t, "raidguard.json", `{"engine":{"queue_size":8},"detection":{"alpha":0.5}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.QueueSize != 8 || cfg.Detection.Alpha != 0.5 {
		t.Fatalf("json values not applied: %+v", cfg.Engine)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "abc")
	t.Setenv("DATABASE_URL", "postgres://db/raidguard")
	path := writeFile(t, "raidguard.yaml", "ingest:\n  discord:\n    enabled: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.Discord.Token != "abc" {
		t.Fatalf("token: %q", cfg.Ingest.Discord.Token)
	}
	if cfg.Storage.DSN != "postgres://db/raidguard" {
		t.Fatalf("dsn: %q", cfg.Storage.DSN)
	}
}

func TestValidateRejectsDiscordWithoutToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notify.Sink = "discord"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRejectsUnorderedLevels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Detection.Levels.Medium = 0.95
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "  \n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
