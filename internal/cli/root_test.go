package cli

import (
	"path/filepath"
	"testing"

	"github.com/aegis-sec/aegis/internal/config"
)

func loggingConfig(level, format string) config.LoggingConfig {
	return config.LoggingConfig{Level: level, Format: format}
}

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCmd()
	want := []string{"serve", "check", "blocked", "block", "unblock", "threats", "config"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")

	root := NewRootCmd()
	root.SetArgs([]string{"config", "init", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	root = NewRootCmd()
	root.SetArgs([]string{"config", "validate", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
}

func TestBuildLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := buildLogger(loggingConfig(level, "json"))
		if err != nil {
			t.Fatalf("level %s: %v", level, err)
		}
		logger.Sync()
	}
	if _, err := buildLogger(loggingConfig("verbose", "json")); err == nil {
		t.Fatal("invalid level accepted")
	}
}
