package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// SyncConfig describes the optional external synchronization target.
// Only status reporting happens server-side; the sync itself runs out of
// process.
type SyncConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"` // "git", "rsync", or ""
	Remote   string `json:"remote,omitempty"`
}

// Config represents server configuration
type Config struct {
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	AuxPort          int        `json:"aux_port"`            // auxiliary control socket; 0 picks a free port
	WorkspaceDir     string     `json:"workspace_dir"`
	Shell            string     `json:"shell,omitempty"`     // empty defers to $SHELL
	LogLevel         string     `json:"log_level"`           // debug, info, warn, error, none
	LogPath          string     `json:"-"`
	TempDir          string     `json:"-"`
	PluginDir        string     `json:"plugin_dir,omitempty"`
	Model            string     `json:"model"`
	MaxTokens        int        `json:"max_tokens"`
	AnthropicAPIKey  string     `json:"anthropic_api_key,omitempty"` // plaintext or an "enc:" payload
	ExtensionTimeout int        `json:"extension_timeout_ms"`        // correlated-request timeout, default 30000
	LoopMaxIters     int        `json:"loop_max_iterations"`
	HistoryLimit     int        `json:"history_limit"` // messages delivered in the connect snapshot
	Sync             SyncConfig `json:"sync"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "oboto")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "oboto")
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "oboto")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "oboto")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "oboto")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "oboto")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "oboto")
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "oboto")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "oboto")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "oboto")
	}
}

// GetConfigPath returns the default config file location.
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// GetStateDir returns the directory for logs and the database.
func GetStateDir() string {
	return defaultStateDir()
}

// DatabasePath returns the default sqlite database location.
func DatabasePath() string {
	return filepath.Join(defaultStateDir(), "oboto.db")
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	configDir := defaultConfigDir()
	stateDir := defaultStateDir()

	return &Config{
		Host:             "127.0.0.1",
		Port:             6268,
		AuxPort:          6269,
		WorkspaceDir:     ".",
		LogLevel:         "info",
		LogPath:          filepath.Join(stateDir, "oboto.log"),
		TempDir:          filepath.Join(os.TempDir(), "oboto"),
		PluginDir:        filepath.Join(configDir, "plugins"),
		Model:            "claude-sonnet-4-0",
		MaxTokens:        4096,
		ExtensionTimeout: 30000,
		LoopMaxIters:     25,
		HistoryLimit:     200,
		Sync:             SyncConfig{},
	}
}

// Load reads configuration from path, filling unset fields with defaults.
// A missing file is not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AuxPort < 0 || c.AuxPort > 65535 {
		return fmt.Errorf("invalid aux_port %d", c.AuxPort)
	}
	if c.ExtensionTimeout <= 0 {
		c.ExtensionTimeout = 30000
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
	if c.LoopMaxIters <= 0 {
		c.LoopMaxIters = 25
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
