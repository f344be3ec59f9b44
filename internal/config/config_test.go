package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManager_CreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Default config file should be written: %v", err)
	}

	cfg := m.Get()
	if cfg.ServerPort != 4000 {
		t.Errorf("Expected default port 4000, got %d", cfg.ServerPort)
	}
	if len(cfg.Camera.StreamCommand) == 0 {
		t.Error("Expected a default stream command")
	}
	if cfg.Camera.MaxRetries <= 0 {
		t.Errorf("Expected a positive retry budget, got %d", cfg.Camera.MaxRetries)
	}
}

func TestManager_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	m.SetPort(8080)
	m.SetLogLevel("debug")
	if err := m.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cfg := reloaded.Get()
	if cfg.ServerPort != 8080 {
		t.Errorf("Expected port 8080 after reload, got %d", cfg.ServerPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug after reload, got %s", cfg.LogLevel)
	}
}

func TestManager_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "server_port: 5000\ncamera:\n  max_retries: 7\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := m.Get()
	if cfg.ServerPort != 5000 {
		t.Errorf("Expected overridden port 5000, got %d", cfg.ServerPort)
	}
	if cfg.Camera.MaxRetries != 7 {
		t.Errorf("Expected overridden retry budget 7, got %d", cfg.Camera.MaxRetries)
	}
	// Fields absent from the file keep their defaults
	if cfg.Camera.StabilizationDelay != 1500*time.Millisecond {
		t.Errorf("Expected default stabilization delay, got %v", cfg.Camera.StabilizationDelay)
	}
	if cfg.Upload.BaseURL == "" {
		t.Error("Expected default upload base URL")
	}
}

func TestManager_GetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cfg := m.Get()
	cfg.ServerPort = 9999

	if m.Get().ServerPort == 9999 {
		t.Error("Mutating the returned config must not affect the manager")
	}
}
