package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
chat:
  base_url: http://localhost:9999/v1
  model: test-model
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Chat.BaseURL != "http://localhost:9999/v1" {
		t.Errorf("Chat.BaseURL = %q", cfg.Chat.BaseURL)
	}
	if cfg.Chat.Model != "test-model" {
		t.Errorf("Chat.Model = %q", cfg.Chat.Model)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Reconnect.BaseDelayMS != 1000 {
		t.Errorf("Reconnect.BaseDelayMS = %d, want 1000", cfg.Reconnect.BaseDelayMS)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 5", cfg.Reconnect.MaxAttempts)
	}
	if cfg.ServersFile == "" {
		t.Error("ServersFile default not applied")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("chat: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestFindConfigExplicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Chat.BaseURL == "" {
		t.Error("Chat.BaseURL default not applied")
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 5", cfg.Reconnect.MaxAttempts)
	}
}

func TestParseLogLevelValues(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"info", false},
		{"DEBUG", false},
		{"trace", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		_, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
