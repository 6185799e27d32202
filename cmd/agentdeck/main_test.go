package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig writes a minimal config file pointing the server store
// into the test's temp dir and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := "servers_file: " + filepath.Join(dir, "servers.json") + "\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "agentdeck") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"frobnicate"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunUnknownOutputFormat(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "xml", "version"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestServersAddListRemove(t *testing.T) {
	cfgPath := writeConfig(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, &out, &out, []string{"-config", cfgPath, "servers", "add", "files", "ws://localhost:9001", "-type", "websocket"}); err != nil {
		t.Fatalf("servers add: %v", err)
	}

	out.Reset()
	if err := run(ctx, &out, &out, []string{"-config", cfgPath, "servers"}); err != nil {
		t.Fatalf("servers: %v", err)
	}
	listing := out.String()
	if !strings.Contains(listing, "files") || !strings.Contains(listing, "websocket") {
		t.Errorf("listing = %q", listing)
	}
	if !strings.Contains(listing, "*") {
		t.Errorf("new server not active in listing: %q", listing)
	}

	out.Reset()
	if err := run(ctx, &out, &out, []string{"-config", cfgPath, "servers", "deactivate", "files"}); err != nil {
		t.Fatalf("servers deactivate: %v", err)
	}

	out.Reset()
	if err := run(ctx, &out, &out, []string{"-config", cfgPath, "servers", "remove", "files"}); err != nil {
		t.Fatalf("servers remove: %v", err)
	}

	out.Reset()
	if err := run(ctx, &out, &out, []string{"-config", cfgPath, "servers"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no servers configured") {
		t.Errorf("listing after remove = %q", out.String())
	}
}

func TestServersAddRejectsSeparatorInName(t *testing.T) {
	cfgPath := writeConfig(t)
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "servers", "add", "bad__name", "http://x"})
	if err == nil {
		t.Fatal("expected error for name containing separator")
	}
}

func TestServersRemoveMissing(t *testing.T) {
	cfgPath := writeConfig(t)
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "servers", "remove", "ghost"}); err == nil {
		t.Fatal("expected error")
	}
}
