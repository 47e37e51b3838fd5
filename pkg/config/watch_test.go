package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatch_Reload(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: INFO
`)

	changes := make(chan *Config, 4)
	if err := Watch(configPath, func(cfg *Config) { changes <- cfg }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Give the watcher goroutine time to register the file.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configPath, []byte("logging:\n  level: DEBUG\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Logging.Level == "DEBUG" {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for configuration reload")
		}
	}
}

func TestWatch_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	if err := Watch(missing, nil); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}
