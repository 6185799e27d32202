package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/buildinfo"
	"github.com/agentdeck/agentdeck/internal/events"
)

// protocolVersion is the MCP protocol version advertised during initialization.
const protocolVersion = "2024-11-05"

// Status is the lifecycle state of a server connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ServerDescriptor identifies a remote MCP server and how to reach it.
type ServerDescriptor struct {
	// ID is the stable identifier used for status events and dispatch.
	ID string
	// Name is the human-readable name; it prefixes namespaced tool names.
	Name string
	// URL is the server endpoint.
	URL string
	// Kind selects the wire strategy. Empty means streamable HTTP.
	Kind TransportKind
	// Headers are extra HTTP headers (e.g., Authorization).
	Headers map[string]string
}

// ReconnectPolicy controls WebSocket reconnection after an unclean close.
type ReconnectPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxAttempts is the retry ceiling; exceeding it leaves the
	// connection in the error state.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the standard schedule: 1s base delay
// doubling per attempt, five attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{BaseDelay: time.Second, MaxAttempts: 5}
}

// Delay returns the back-off delay before the given attempt (1-based):
// BaseDelay × 2^(attempt-1).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay << (attempt - 1)
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	// Server identifies the remote peer and transport.
	Server ServerDescriptor

	// Bus receives status transitions and failure notices. May be nil.
	Bus *events.Bus

	// Logger is the structured logger; component tags are added.
	Logger *slog.Logger

	// Reconnect controls WebSocket reconnection. Zero value means
	// DefaultReconnectPolicy.
	Reconnect ReconnectPolicy

	// HTTPClient overrides the transports' HTTP client. Used by tests.
	HTTPClient *http.Client

	// Dialer overrides the WebSocket dialer. Used by tests.
	Dialer *websocket.Dialer
}

// Conn is the runtime pairing of one server with a live transport and a
// correlator. It owns the connection state machine:
//
//	disconnected → connecting → connected
//
// with error reachable from connecting/connected and disconnected
// reachable from anywhere via Disconnect. A Conn is created once per
// server and reused across connect cycles; each cycle gets a fresh
// transport and correlator, so request ids restart at 1.
type Conn struct {
	server     ServerDescriptor
	bus        *events.Bus
	logger     *slog.Logger
	policy     ReconnectPolicy
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu         sync.Mutex
	status     Status
	transport  Transport
	corr       *Correlator
	serverName string
	serverVer  string
	subs       map[string]NotificationHandler
	tools      []ToolDefinition
	toolsValid bool
}

// NewConn creates a connection manager for one server. The connection
// starts disconnected; call Connect to bring it up.
func NewConn(cfg ConnConfig) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Reconnect
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultReconnectPolicy().BaseDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultReconnectPolicy().MaxAttempts
	}
	return &Conn{
		server:     cfg.Server,
		bus:        cfg.Bus,
		logger:     logger.With("mcp_server", cfg.Server.ID),
		policy:     policy,
		httpClient: cfg.HTTPClient,
		dialer:     cfg.Dialer,
		status:     StatusDisconnected,
		subs:       make(map[string]NotificationHandler),
	}
}

// Server returns the descriptor this connection was built from.
func (c *Conn) Server() ServerDescriptor {
	return c.server
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ServerInfo returns the name and version the server reported at
// handshake, empty until connected.
func (c *Conn) ServerInfo() (name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName, c.serverVer
}

// Connect opens the transport and performs the protocol handshake.
// Already connecting/connected is a no-op. Any failure — transport open
// or handshake — leaves the connection in the error state and is
// returned to the caller; it is not retried here.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnecting, StatusConnected:
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusConnecting, nil)
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		if err == ErrConnectionClosed {
			// Disconnect won the race; leave its state in place.
			return err
		}
		c.setStatus(StatusError, err)
		return err
	}

	c.setStatus(StatusConnected, nil)
	return nil
}

// Disconnect tears the connection down from any state: the transport is
// closed, every pending request is rejected with ErrConnectionClosed,
// and notification subscriptions are cleared. Always succeeds.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	tr := c.transport
	corr := c.corr
	c.transport = nil
	c.corr = nil
	c.toolsValid = false
	c.setStatusLocked(StatusDisconnected, nil)
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	if corr != nil {
		corr.Close(ErrConnectionClosed)
	}
}

// OnNotification registers a handler for a server-initiated notification
// method. The registration survives reconnects.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	c.subs[method] = h
	corr := c.corr
	c.mu.Unlock()

	if corr != nil {
		corr.Subscribe(method, h)
	}
}

// establish builds a fresh transport + correlator pair, opens the
// channel, and runs the initialize handshake. On failure everything
// built here is torn down.
func (c *Conn) establish(ctx context.Context) error {
	var tr Transport
	corr := NewCorrelator(func(ctx context.Context, data []byte) error {
		return tr.Write(ctx, data)
	}, c.logger)
	tr = c.newTransport(corr.Deliver)

	if err := tr.Open(ctx); err != nil {
		corr.Close(ErrConnectionClosed)
		return fmt.Errorf("open transport: %w", err)
	}

	if err := c.handshake(ctx, corr); err != nil {
		_ = tr.Close()
		corr.Close(ErrConnectionClosed)
		return err
	}

	c.mu.Lock()
	if c.status != StatusConnecting {
		// Torn down while the handshake was in flight; do not resurrect.
		c.mu.Unlock()
		_ = tr.Close()
		corr.Close(ErrConnectionClosed)
		return ErrConnectionClosed
	}
	// Re-register notification subscriptions on the fresh correlator.
	for method, h := range c.subs {
		corr.Subscribe(method, h)
	}
	c.transport = tr
	c.corr = corr
	c.mu.Unlock()

	// A changed tool list on the server invalidates our cached catalogue.
	corr.Subscribe("notifications/tools/list_changed", func(string, json.RawMessage) {
		c.mu.Lock()
		c.toolsValid = false
		c.mu.Unlock()
	})

	return nil
}

// handshake performs capability negotiation: the initialize call and the
// initialized notification. A non-success response or transport error is
// a connection failure, not partial success.
func (c *Conn) handshake(ctx context.Context, corr *Correlator) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "agentdeck",
			"version": buildinfo.Version,
		},
	}

	raw, err := corr.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("handshake: unmarshal initialize result: %w", err)
	}

	if err := corr.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("handshake: send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// newTransport builds the transport for the server's wire strategy.
func (c *Conn) newTransport(deliver DeliverFunc) Transport {
	switch c.server.Kind {
	case TransportWebSocket:
		return NewWSTransport(WSConfig{
			URL:            c.server.URL,
			Headers:        c.server.Headers,
			Deliver:        deliver,
			OnUncleanClose: c.handleUncleanClose,
			Logger:         c.logger,
			Dialer:         c.dialer,
		})
	case TransportSSE:
		return NewSSETransport(SSEConfig{
			URL:           c.server.URL,
			Headers:       c.server.Headers,
			Deliver:       deliver,
			OnStreamClose: c.handleStreamLoss,
			Logger:        c.logger,
			Client:        c.httpClient,
		})
	default:
		return NewStreamTransport(StreamConfig{
			URL:     c.server.URL,
			Headers: c.server.Headers,
			Deliver: deliver,
			Logger:  c.logger,
			Client:  c.httpClient,
		})
	}
}

// handleUncleanClose reacts to a WebSocket dropping while connected:
// pending requests are rejected immediately and the scripted
// reconnection starts. Closes while not connected (or initiated by
// Disconnect) are ignored.
func (c *Conn) handleUncleanClose(err error) {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	tr := c.transport
	corr := c.corr
	c.transport = nil
	c.corr = nil
	c.toolsValid = false
	c.setStatusLocked(StatusConnecting, nil)
	c.mu.Unlock()

	c.logger.Warn("connection lost, scheduling reconnect", "error", err)

	if corr != nil {
		corr.Close(ErrConnectionClosed)
	}
	if tr != nil {
		_ = tr.Close()
	}

	go c.reconnectLoop()
}

// handleStreamLoss reacts to the SSE event stream dying while
// connected. Responses for this variant arrive only over the stream, so
// pending requests are rejected immediately; there is no scripted
// reconnection for stream transports, so the connection lands in the
// error state. Losses while not connected (or initiated by Disconnect)
// are ignored.
func (c *Conn) handleStreamLoss(err error) {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	tr := c.transport
	corr := c.corr
	c.transport = nil
	c.corr = nil
	c.toolsValid = false
	c.setStatusLocked(StatusError, fmt.Errorf("event stream closed: %w", err))
	c.mu.Unlock()

	c.logger.Warn("event stream lost, connection failed", "error", err)

	if corr != nil {
		corr.Close(ErrConnectionClosed)
	}
	if tr != nil {
		_ = tr.Close()
	}
}

// reconnectLoop retries with exponential back-off:
// delay = BaseDelay × 2^(attempt-1), up to MaxAttempts. Exhausting the
// ceiling leaves the connection in the error state. An explicit
// Disconnect during the loop stops it.
func (c *Conn) reconnectLoop() {
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		time.Sleep(c.policy.Delay(attempt))

		c.mu.Lock()
		if c.status != StatusConnecting {
			// Disconnected (or reconnected) out from under us.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.establish(ctx)
		cancel()

		if err == nil {
			c.setStatus(StatusConnected, nil)
			c.logger.Info("reconnected", "attempts", attempt)
			return
		}

		c.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"error", err,
		)
	}

	c.setStatus(StatusError, fmt.Errorf("reconnect attempts exhausted"))
}

// setStatus transitions the state machine and publishes the change.
func (c *Conn) setStatus(status Status, err error) {
	c.mu.Lock()
	c.setStatusLocked(status, err)
	c.mu.Unlock()
}

// setStatusLocked is setStatus with c.mu already held. Every transition
// is published on the bus; error transitions additionally raise a notice
// so a UI can surface them directly.
func (c *Conn) setStatusLocked(status Status, err error) {
	if c.status == status {
		return
	}
	c.status = status

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	c.bus.PublishStatus(c.server.ID, string(status), errMsg)

	if status == StatusError {
		c.bus.PublishNotice(events.Notice{
			Type:    "error",
			Title:   fmt.Sprintf("Connection to %s failed", c.server.Name),
			Message: errMsg,
		})
	}
}
