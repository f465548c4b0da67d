package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 6268 {
		t.Errorf("Port = %d, want 6268", cfg.Port)
	}
	if cfg.ExtensionTimeout != 30000 {
		t.Errorf("ExtensionTimeout = %d, want 30000", cfg.ExtensionTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.WorkspaceDir != "." {
		t.Errorf("WorkspaceDir = %q, want .", cfg.WorkspaceDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.json"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if cfg.Port != DefaultConfig().Port {
		t.Errorf("missing file should yield defaults, got port %d", cfg.Port)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Port = 9000
	cfg.Shell = "/bin/zsh"
	cfg.Sync = SyncConfig{Enabled: true, Provider: "git", Remote: "origin"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Port != 9000 {
		t.Errorf("Port = %d, want 9000", loaded.Port)
	}
	if loaded.Shell != "/bin/zsh" {
		t.Errorf("Shell = %q, want /bin/zsh", loaded.Shell)
	}
	if !loaded.Sync.Enabled || loaded.Sync.Provider != "git" {
		t.Errorf("Sync did not roundtrip: %+v", loaded.Sync)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 4242}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4242 {
		t.Errorf("Port = %d, want 4242", cfg.Port)
	}
	if cfg.Model == "" {
		t.Error("Model default lost on partial load")
	}
	if cfg.ExtensionTimeout != 30000 {
		t.Errorf("ExtensionTimeout default lost, got %d", cfg.ExtensionTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 99999}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for out-of-range port")
	}

	if err := os.WriteFile(path, []byte(`{not json`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", Port: 80}
	if got := cfg.ListenAddr(); got != "0.0.0.0:80" {
		t.Errorf("ListenAddr = %q", got)
	}
}
