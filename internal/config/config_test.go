package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
redis:
  addr: "redis.internal:6379"
  op_timeout: "250ms"
policies:
  login:
    max_requests: 3
    block_duration: "1h"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("server.addr = %q", cfg.Server.Addr)
	}
	// Unset fields keep their defaults.
	if cfg.Server.ReadTimeout.Std() != 10*time.Second {
		t.Fatalf("read_timeout = %s, want default 10s", cfg.Server.ReadTimeout.Std())
	}
	if cfg.Redis.OpTimeout.Std() != 250*time.Millisecond {
		t.Fatalf("op_timeout = %s", cfg.Redis.OpTimeout.Std())
	}
	if cfg.Redis.PoolSize != 10 {
		t.Fatalf("pool_size = %d, want default 10", cfg.Redis.PoolSize)
	}

	policies := cfg.QuotaPolicies()
	login := policies["login"]
	if login.MaxRequests != 3 {
		t.Fatalf("login.max_requests = %d, want override 3", login.MaxRequests)
	}
	if login.BlockDuration != time.Hour {
		t.Fatalf("login.block_duration = %s, want override 1h", login.BlockDuration)
	}
	if login.Window != 15*time.Minute {
		t.Fatalf("login.window = %s, want preset 15m", login.Window)
	}
	if api := policies["public-api"]; api.MaxRequests != 100 {
		t.Fatalf("untouched preset changed: %+v", api)
	}
}

func TestLoadFileRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown policy", "policies:\n  no-such-policy:\n    max_requests: 1\n"},
		{"unknown field", "server:\n  port: 8080\n"},
		{"bad duration", "server:\n  read_timeout: \"fast\"\n"},
		{"bad log level", "logging:\n  level: \"verbose\"\n"},
		{"kafka without brokers", "audit:\n  kafka:\n    enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, tc.body)); err == nil {
				t.Fatal("config accepted, want error")
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestWriteExampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	if err := WriteExample(path); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	if cfg.QuotaPolicies()["login"].MaxRequests != 5 {
		t.Fatal("example policy override not applied")
	}
}
