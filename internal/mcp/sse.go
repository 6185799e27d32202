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

// SSEConfig configures an SSE MCP transport.
type SSEConfig struct {
	// URL is the server endpoint. A GET opens the inbound event stream;
	// outbound messages POST to the same endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// Deliver receives every inbound frame.
	Deliver DeliverFunc

	// OnStreamClose is invoked once when the event stream ends without
	// a prior Close. Responses arrive only over the stream, so a dead
	// stream means a dead connection; the connection layer uses this to
	// tear down.
	OnStreamClose func(err error)

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger

	// Client overrides the default HTTP client. Used by tests.
	Client *http.Client
}

// SSETransport pairs a one-way server-push event stream (inbound) with
// discrete POST calls (outbound). The two directions are correlated by
// the session id the server issues on the stream response.
type SSETransport struct {
	cfg    SSEConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	open      bool
	closing   bool
	cancel    context.CancelFunc
	sessionID string
}

// NewSSETransport creates an SSE transport for the given config.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		// No global timeout — the event stream is long-lived.
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return &SSETransport{cfg: cfg, logger: logger, client: client}
}

// Open establishes the inbound event stream and captures the session id
// from the response headers.
func (t *SSETransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return ErrAlreadyOpen
	}

	// The stream outlives the dial context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return fmt.Errorf("event stream returned %d: %s", resp.StatusCode, errBody)
	}

	t.sessionID = resp.Header.Get(sessionHeader)
	t.cancel = cancel
	t.open = true
	t.closing = false

	dec := eventstream.NewDecoder(resp.Body, t.logger)
	go t.readLoop(dec)

	return nil
}

// readLoop decodes stream events until the stream ends or is cancelled.
// A stream that dies without a prior Close takes the whole connection
// with it, so the close callback fires even on a clean server-side EOF.
func (t *SSETransport) readLoop(dec *eventstream.Decoder) {
	defer dec.Close()
	for {
		ev, err := dec.Next()
		if err != nil {
			t.mu.Lock()
			wasClosing := t.closing
			t.open = false
			t.mu.Unlock()

			if wasClosing {
				t.logger.Debug("event stream closed", "error", err)
				return
			}

			t.logger.Warn("event stream ended, connection lost", "error", err)
			if t.cfg.OnStreamClose != nil {
				t.cfg.OnStreamClose(err)
			}
			return
		}
		if t.cfg.Deliver != nil {
			t.cfg.Deliver(ev)
		}
	}
}

// Write sends one message as a discrete POST scoped to the stream's
// session. Responses to requests arrive back over the event stream; a
// JSON body in the POST response is delivered too, for servers that
// answer inline.
func (t *SSETransport) Write(ctx context.Context, data []byte) error {
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
	req.Header.Set("Accept", "application/json")
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
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch resp.StatusCode {
	case http.StatusOK:
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
			if err != nil {
				return fmt.Errorf("read response body: %w", err)
			}
			if len(bytes.TrimSpace(body)) > 0 && t.cfg.Deliver != nil {
				t.cfg.Deliver(body)
			}
		}
		return nil
	case http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody)
	}
}

// Close cancels the event stream. Idempotent; a close initiated here
// never triggers OnStreamClose.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.open = false
	return nil
}

// IsOpen reports whether the transport accepts writes.
func (t *SSETransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}
