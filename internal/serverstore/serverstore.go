// Package serverstore persists the configured MCP server list as JSON,
// in the interoperable {"mcpServers": {...}} shape other MCP clients
// use, plus the set of servers currently marked active. Saves are
// atomic (write to a temp file, then rename).
package serverstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentdeck/agentdeck/internal/mcp"
)

// Entry is one configured server.
type Entry struct {
	// Type selects the transport: "websocket", "sse", or
	// "streamable-http". Empty means streamable-http.
	Type string `json:"type,omitempty"`
	// URL is the server endpoint.
	URL string `json:"url"`
	// Headers are extra HTTP headers, e.g. Authorization.
	Headers map[string]string `json:"headers,omitempty"`
}

// Store is the persisted server list.
type Store struct {
	// Servers maps server name to its entry.
	Servers map[string]Entry `json:"mcpServers"`
	// Active lists the names of servers to connect on startup.
	Active []string `json:"activeServers,omitempty"`
}

// DefaultPath returns the standard store location,
// ~/.config/agentdeck/servers.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "servers.json"
	}
	return filepath.Join(home, ".config", "agentdeck", "servers.json")
}

// Load reads the store from path. A missing file is not an error: an
// empty store is returned so first runs work without setup.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{Servers: make(map[string]Entry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server store: %w", err)
	}

	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse server store %s: %w", path, err)
	}
	if s.Servers == nil {
		s.Servers = make(map[string]Entry)
	}
	return &s, nil
}

// Save writes the store to path atomically, creating parent directories
// as needed.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal server store: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write server store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace server store: %w", err)
	}
	return nil
}

// SetActive adds or removes a server name from the active set.
func (s *Store) SetActive(name string, active bool) {
	idx := -1
	for i, n := range s.Active {
		if n == name {
			idx = i
			break
		}
	}
	switch {
	case active && idx < 0:
		s.Active = append(s.Active, name)
		sort.Strings(s.Active)
	case !active && idx >= 0:
		s.Active = append(s.Active[:idx], s.Active[idx+1:]...)
	}
}

// IsActive reports whether a server name is in the active set.
func (s *Store) IsActive(name string) bool {
	for _, n := range s.Active {
		if n == name {
			return true
		}
	}
	return false
}

// Remove drops a server and its active flag. Reports whether the
// server existed.
func (s *Store) Remove(name string) bool {
	if _, ok := s.Servers[name]; !ok {
		return false
	}
	delete(s.Servers, name)
	s.SetActive(name, false)
	return true
}

// Descriptors converts the store to connection descriptors, sorted by
// name. The server name serves as both id and namespace prefix.
func (s *Store) Descriptors() []mcp.ServerDescriptor {
	names := make([]string, 0, len(s.Servers))
	for name := range s.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]mcp.ServerDescriptor, 0, len(names))
	for _, name := range names {
		e := s.Servers[name]
		out = append(out, mcp.ServerDescriptor{
			ID:      name,
			Name:    name,
			URL:     e.URL,
			Kind:    mcp.TransportKind(e.Type),
			Headers: e.Headers,
		})
	}
	return out
}
