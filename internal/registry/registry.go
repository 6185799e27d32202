// Package registry tracks the set of configured MCP servers and owns
// one connection per server. It layers enable/disable bookkeeping and
// per-server operation serialization over the connection state machine,
// so concurrent connect/disconnect requests for the same server cannot
// interleave.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/mcp"
)

// Config configures a Manager.
type Config struct {
	// Bus receives status transitions and notices from every connection.
	Bus *events.Bus

	// Logger is the structured logger; per-server tags are added by the
	// connections themselves.
	Logger *slog.Logger

	// Reconnect is the WebSocket reconnection policy shared by all
	// servers. Zero value means the default schedule.
	Reconnect mcp.ReconnectPolicy

	// HTTPClient overrides the transports' HTTP client. Used by tests.
	HTTPClient *http.Client
}

// entry pairs a server descriptor with its connection and the mutex
// that serializes lifecycle operations for this one server.
type entry struct {
	desc    mcp.ServerDescriptor
	enabled bool
	conn    *mcp.Conn

	// opMu serializes Connect/Disconnect per server. It is taken
	// without holding Manager.mu, so slow dials never block the
	// registry as a whole.
	opMu sync.Mutex
}

// ServerState is a read-only snapshot of one registered server.
type ServerState struct {
	Desc    mcp.ServerDescriptor
	Enabled bool
	Status  mcp.Status
}

// Manager is the server registry.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	servers map[string]*entry
}

// New creates an empty registry.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		servers: make(map[string]*entry),
	}
}

// Add registers a server. New servers start enabled and disconnected.
// A duplicate id is an error.
func (m *Manager) Add(desc mcp.ServerDescriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("add server: empty id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[desc.ID]; ok {
		return fmt.Errorf("add server: id %q already registered", desc.ID)
	}

	m.servers[desc.ID] = &entry{
		desc:    desc,
		enabled: true,
		conn: mcp.NewConn(mcp.ConnConfig{
			Server:     desc,
			Bus:        m.cfg.Bus,
			Logger:     m.cfg.Logger,
			Reconnect:  m.cfg.Reconnect,
			HTTPClient: m.cfg.HTTPClient,
		}),
	}
	m.cfg.Logger.Info("server registered", "server", desc.ID, "url", desc.URL)
	return nil
}

// Remove disconnects a server and drops it from the registry. After
// Remove returns, no pending request and no open transport remain for
// that server.
func (m *Manager) Remove(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	e.conn.Disconnect()
	e.opMu.Unlock()

	m.mu.Lock()
	delete(m.servers, id)
	m.mu.Unlock()

	m.cfg.Logger.Info("server removed", "server", id)
	return nil
}

// SetEnabled flips the enabled flag. Disabling a connected server
// disconnects it.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e.enabled = enabled
	m.mu.Unlock()

	if !enabled {
		e.opMu.Lock()
		e.conn.Disconnect()
		e.opMu.Unlock()
	}
	return nil
}

// Connect brings up the server's connection. Safe to call concurrently
// with other lifecycle operations for the same server.
func (m *Manager) Connect(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.conn.Connect(ctx)
}

// Disconnect tears down the server's connection. No-op when already
// disconnected; never fails for a registered server.
func (m *Manager) Disconnect(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.conn.Disconnect()
	return nil
}

// Conn returns the connection for a server id without touching its
// lifecycle.
func (m *Manager) Conn(id string) (*mcp.Conn, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.conn, nil
}

// EnsureConnected returns the server's connection, bringing it up first
// if necessary. Disabled servers are refused.
func (m *Manager) EnsureConnected(ctx context.Context, id string) (*mcp.Conn, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	enabled := e.enabled
	m.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("server %q is disabled", id)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.conn.Status() == mcp.StatusConnected {
		return e.conn, nil
	}
	if err := e.conn.Connect(ctx); err != nil {
		return nil, err
	}
	return e.conn, nil
}

// List returns a snapshot of every registered server, sorted by id.
func (m *Manager) List() []ServerState {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]ServerState, 0, len(entries))
	for _, e := range entries {
		out = append(out, ServerState{
			Desc:    e.desc,
			Enabled: e.enabled,
			Status:  e.conn.Status(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Desc.ID < out[j].Desc.ID })
	return out
}

// EnabledIDs returns the ids of all enabled servers, sorted.
func (m *Manager) EnabledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, e := range m.servers {
		if e.enabled {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FindByName resolves a server by its human-readable name.
func (m *Manager) FindByName(name string) (*mcp.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.servers {
		if e.desc.Name == name {
			return e.conn, nil
		}
	}
	return nil, fmt.Errorf("server named %q: %w", name, mcp.ErrServerNotFound)
}

// Shutdown disconnects every server. The registry stays usable.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.opMu.Lock()
		e.conn.Disconnect()
		e.opMu.Unlock()
	}
}

// lookup finds the entry for id.
func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %q: %w", id, mcp.ErrServerNotFound)
	}
	return e, nil
}
