// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != ":9090" {
		t.Errorf("expected port :9090, got %s", cfg.Server.Port)
	}
	if cfg.Database.Type != "boltdb" {
		t.Errorf("expected default database type boltdb, got %s", cfg.Database.Type)
	}
	if cfg.Queue.Type != "memory" {
		t.Errorf("expected default queue type memory, got %s", cfg.Queue.Type)
	}
	if cfg.Monitoring.OfflineHorizon != 6*time.Minute {
		t.Errorf("expected default offline horizon 6m, got %v", cfg.Monitoring.OfflineHorizon)
	}
	if cfg.Monitoring.RenotifyInterval != 24*time.Hour {
		t.Errorf("expected default renotify interval 24h, got %v", cfg.Monitoring.RenotifyInterval)
	}
	if cfg.Alerting.Workers != 3 {
		t.Errorf("expected default 3 workers, got %d", cfg.Alerting.Workers)
	}
	if cfg.Alerting.JitterMin != time.Second || cfg.Alerting.JitterMax != 10*time.Second {
		t.Errorf("expected default jitter 1s..10s, got %v..%v", cfg.Alerting.JitterMin, cfg.Alerting.JitterMax)
	}
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
database:
  type: postgres
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for postgres without dsn")
	}
}

func TestLoadRejectsUnknownDatabaseType(t *testing.T) {
	path := writeConfig(t, `
database:
  type: mysql
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for unsupported database type")
	}
}

func TestLoadRejectsInvalidJitter(t *testing.T) {
	path := writeConfig(t, `
alerting:
  jitter_min: 20s
  jitter_max: 5s
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for jitter_max < jitter_min")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
