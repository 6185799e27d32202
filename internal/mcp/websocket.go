package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket MCP transport.
type WSConfig struct {
	// URL is the server endpoint. http/https schemes are rewritten to
	// ws/wss.
	URL string

	// Headers are sent with the upgrade request (e.g., Authorization).
	Headers map[string]string

	// Deliver receives every inbound frame.
	Deliver DeliverFunc

	// OnUncleanClose is invoked once when the socket drops without a
	// prior Close. The connection layer uses it to drive reconnection.
	OnUncleanClose func(err error)

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger

	// Dialer overrides the default dialer. Used by tests.
	Dialer *websocket.Dialer
}

// WSTransport communicates with an MCP server over a persistent
// WebSocket. Inbound frames are whole JSON messages, one per socket
// message.
type WSTransport struct {
	cfg    WSConfig
	logger *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	open    bool
	closing bool
}

// NewWSTransport creates a WebSocket transport for the given config.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{cfg: cfg, logger: logger}
}

// Open dials the server and starts the read loop.
func (t *WSTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return ErrAlreadyOpen
	}

	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}

	dialer := t.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial websocket: %w", err)
	}

	t.conn = conn
	t.open = true
	t.closing = false

	go t.readLoop(conn)
	return nil
}

// readLoop reads messages until the socket fails or is closed, handing
// each frame to the delivery callback.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasClosing := t.closing
			if t.conn == conn {
				t.open = false
			}
			t.mu.Unlock()

			if wasClosing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket closed", "error", err)
				return
			}

			t.logger.Warn("websocket read failed, connection lost", "error", err)
			if t.cfg.OnUncleanClose != nil {
				t.cfg.OnUncleanClose(err)
			}
			return
		}

		if t.cfg.Deliver != nil {
			t.cfg.Deliver(data)
		}
	}
}

// Write sends one message as a text frame. Fails fast when not open.
func (t *WSTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrNotOpen
	}
	conn := t.conn
	t.mu.Unlock()

	// gorilla/websocket allows at most one concurrent writer.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts down the socket. Idempotent; a close initiated here never
// triggers OnUncleanClose.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	t.closing = true
	t.open = false

	conn := t.conn
	t.conn = nil

	// Best-effort close frame so well-behaved servers see a clean shutdown.
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return conn.Close()
}

// IsOpen reports whether the transport accepts writes.
func (t *WSTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}
