package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheBackend != CacheMemory || cfg.InLimit != 1000 || cfg.TxMaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CacheTTL != time.Hour || cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("USERDIR_PG_DSN", "postgres://localhost/userdir")
	t.Setenv("USERDIR_IN_LIMIT", "250")
	t.Setenv("USERDIR_LOWERCASE_LOGINS", "true")
	t.Setenv("USERDIR_CACHE_TTL", "90s")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PGDSN != "postgres://localhost/userdir" || cfg.InLimit != 250 || !cfg.LowercaseLogins {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Fatalf("unexpected ttl %v", cfg.CacheTTL)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userdir.yaml")
	if err := os.WriteFile(path, []byte("cache_backend: none\ntx_max_attempts: 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheBackend != CacheNone || cfg.TxMaxAttempts != 5 {
		t.Fatalf("file not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"redis without url": {CacheBackend: CacheRedis, InLimit: 1, TxMaxAttempts: 1},
		"unknown backend":   {CacheBackend: "memcached", InLimit: 1, TxMaxAttempts: 1},
		"zero in limit":     {CacheBackend: CacheMemory, TxMaxAttempts: 1},
		"zero attempts":     {CacheBackend: CacheMemory, InLimit: 1},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
