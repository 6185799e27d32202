// Package config handles agentdeck configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agentdeck/config.yaml, /etc/agentdeck/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentdeck", "config.yaml"))
	}

	paths = append(paths, "/etc/agentdeck/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agentdeck configuration. The MCP server list itself
// lives in a separate JSON store (see serverstore); this file carries
// everything else.
type Config struct {
	Chat        ChatConfig      `yaml:"chat"`
	ServersFile string          `yaml:"servers_file"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	LogLevel    string          `yaml:"log_level"`
}

// ChatConfig defines the language-model backend settings.
type ChatConfig struct {
	// BaseURL is the chat-completions endpoint base (e.g.,
	// "https://api.openai.com/v1" or a local llama.cpp server).
	BaseURL string `yaml:"base_url"`
	// APIKey is sent as a Bearer token when non-empty.
	APIKey string `yaml:"api_key"`
	// Model is the default model for completion requests.
	Model string `yaml:"model"`
}

// ReconnectConfig controls WebSocket reconnection behavior.
type ReconnectConfig struct {
	// BaseDelayMS is the first retry delay in milliseconds (default 1000).
	// Each subsequent attempt doubles it.
	BaseDelayMS int `yaml:"base_delay_ms"`
	// MaxAttempts is the retry ceiling before the connection is left in
	// the error state (default 5).
	MaxAttempts int `yaml:"max_attempts"`
}

// Load reads and parses the config file at path, applying defaults for
// unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config with all defaults applied, for use when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ServersFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.ServersFile = filepath.Join(home, ".config", "agentdeck", "servers.json")
		} else {
			c.ServersFile = "servers.json"
		}
	}
	if c.Chat.BaseURL == "" {
		c.Chat.BaseURL = "http://localhost:8080/v1"
	}
	if c.Reconnect.BaseDelayMS <= 0 {
		c.Reconnect.BaseDelayMS = 1000
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
}
