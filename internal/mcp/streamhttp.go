package mcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/eventstream"
	"github.com/agentdeck/agentdeck/internal/httpkit"
)

// StreamConfig configures a streamable HTTP MCP transport.
type StreamConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// Deliver receives every inbound frame.
	Deliver DeliverFunc

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger

	// Client overrides the default HTTP client. Used by tests.
	Client *http.Client
}

// StreamTransport communicates with an MCP server over streamable HTTP,
// the default wire strategy. Every outbound message is an HTTP POST; the
// initialize response carries a session token in the Mcp-Session-Id
// header, echoed on all subsequent calls. A POST response is either one
// JSON message or a text/event-stream sequence; once a session is
// established, a companion GET stream receives server-initiated
// messages scoped to the same session.
type StreamTransport struct {
	cfg    StreamConfig
	logger *slog.Logger
	client *http.Client

	mu          sync.Mutex
	open        bool
	sessionID   string
	listenerUp  bool
	cancelListn context.CancelFunc
}

// NewStreamTransport creates a streamable HTTP transport for the given config.
func NewStreamTransport(cfg StreamConfig) *StreamTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		// No global timeout — POST responses may stream.
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return &StreamTransport{cfg: cfg, logger: logger, client: client}
}

// Open marks the transport ready. Nothing goes on the wire until the
// first write: the protocol handshake call is what establishes the
// session, and its response header carries the token.
func (t *StreamTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return ErrAlreadyOpen
	}
	if t.cfg.URL == "" {
		return fmt.Errorf("streamable transport: empty URL")
	}
	t.open = true
	return nil
}

// Write POSTs one message. The response is delivered back through the
// correlator: either as a single JSON body or as a decoded event stream.
func (t *StreamTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrNotOpen
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST to %s: %w", t.cfg.URL, err)
	}

	// Capture the session token the handshake response issues.
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.adoptSession(sid)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		// Notification accepted; nothing to deliver.
		httpkit.DrainAndClose(resp.Body, 1<<20)
		return nil

	case resp.StatusCode != http.StatusOK:
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody)

	case strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
		// The response arrives as one or more stream events.
		dec := eventstream.NewDecoder(resp.Body, t.logger)
		go t.deliverStream(dec)
		return nil

	default:
		defer httpkit.DrainAndClose(resp.Body, 1<<20)
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 && t.cfg.Deliver != nil {
			t.cfg.Deliver(body)
		}
		return nil
	}
}

// adoptSession stores the session token and, on first sight, starts the
// companion listener for server-initiated messages. The start decision
// and the cancel func are committed under one lock so a concurrent
// Close can never miss a listener it has to tear down.
func (t *StreamTransport) adoptSession(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessionID = sid
	if !t.open || t.listenerUp {
		return
	}
	t.listenerUp = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancelListn = cancel
	go t.listen(ctx, sid)
}

// listen opens the companion GET stream for the session. Servers that
// do not support one answer 405; that is not an error.
func (t *StreamTransport) listen(ctx context.Context, sessionID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(sessionHeader, sessionID)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("companion stream unavailable", "error", err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		t.logger.Debug("companion stream refused", "status", resp.StatusCode)
		return
	}

	dec := eventstream.NewDecoder(resp.Body, t.logger)
	t.deliverStream(dec)
}

// deliverStream hands every decoded event to the delivery callback.
func (t *StreamTransport) deliverStream(dec *eventstream.Decoder) {
	defer dec.Close()
	for {
		ev, err := dec.Next()
		if err != nil {
			return
		}
		if t.cfg.Deliver != nil {
			t.cfg.Deliver(ev)
		}
	}
}

// Close tears down the companion stream and rejects further writes.
// Idempotent.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelListn != nil {
		t.cancelListn()
		t.cancelListn = nil
	}
	t.open = false
	t.listenerUp = false
	return nil
}

// IsOpen reports whether the transport accepts writes.
func (t *StreamTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// SessionID returns the server-issued session token, if any.
func (t *StreamTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}
