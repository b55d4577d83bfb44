package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	path := writeConfig(t, "database:\n  url: user:pass@tcp(localhost:3306)/lms\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "mysql" || cfg.Server.Address != ":4001" || cfg.Database.MaxIdleConns != 35 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://lms@db/lms")
	t.Setenv("REDIS_ADDR", "redis:6379")
	path := writeConfig(t, "server:\n  address: \":8080\"\ndatabase:\n  driver: pgx\n  url: ignored\nredis:\n  addr: localhost:6379\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://lms@db/lms" || cfg.Redis.Addr != "redis:6379" || cfg.Server.Address != ":8080" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	if _, err := Load(writeConfig(t, "database:\n  driver: sqlite\n  url: x\n")); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Load(writeConfig(t, "server:\n  address: \":1\"\n")); err == nil {
		t.Fatal("missing database url accepted")
	}
}
