package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// LevelTrace is the wire-forensics log level for full JSON-RPC payloads.
// Numeric value matches config.LevelTrace.
const LevelTrace = slog.Level(-8)

// WriteFunc sends one encoded JSON-RPC message over a transport.
type WriteFunc func(ctx context.Context, data []byte) error

// NotificationHandler receives a server-initiated notification.
type NotificationHandler func(method string, params json.RawMessage)

// callResult carries the outcome of one correlated request to its caller.
type callResult struct {
	resp *Response
	err  error
}

// Correlator matches JSON-RPC responses to the callers that issued the
// requests and dispatches unsolicited notifications to registered
// handlers. Request ids start at 1 and increment; an id is never reused
// while its request is pending.
type Correlator struct {
	write  WriteFunc
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan callResult
	handlers map[string]NotificationHandler
	closed   bool
	closeErr error
}

// NewCorrelator creates a correlator that sends outbound messages
// through write and expects Deliver to be invoked for every inbound frame.
func NewCorrelator(write WriteFunc, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		write:    write,
		logger:   logger,
		pending:  make(map[int64]chan callResult),
		handlers: make(map[string]NotificationHandler),
	}
}

// Call sends a request and blocks until the matching response arrives,
// the context is done, or the correlator is closed. A server-reported
// error is returned as *RPCError.
func (c *Correlator) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "outbound request", "json", string(data))

	if err := c.write(ctx, data); err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. No response is expected or tracked.
func (c *Correlator) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "outbound notification", "json", string(data))
	return c.write(ctx, data)
}

// Subscribe registers a handler for a notification method. A later
// Subscribe for the same method replaces the handler. Subscriptions
// persist until the correlator is closed.
func (c *Correlator) Subscribe(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Deliver routes one inbound frame. Frames carrying an id resolve the
// matching pending call exactly once; frames carrying only a method go
// to the registered handler; unmatched notifications and unparseable
// frames are dropped with a log line.
func (c *Correlator) Deliver(raw []byte) {
	c.logger.Log(context.Background(), LevelTrace, "inbound frame", "json", string(raw))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("dropping unparseable frame", "error", err)
		return
	}

	switch {
	case env.ID != nil && env.Method == "":
		c.mu.Lock()
		ch, ok := c.pending[*env.ID]
		if ok {
			delete(c.pending, *env.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown request id", "id", *env.ID)
			return
		}
		ch <- callResult{resp: &Response{
			JSONRPC: env.JSONRPC,
			ID:      *env.ID,
			Result:  env.Result,
			Error:   env.Error,
		}}

	case env.ID == nil && env.Method != "":
		c.mu.Lock()
		h := c.handlers[env.Method]
		c.mu.Unlock()
		if h == nil {
			c.logger.Debug("dropping unhandled notification", "method", env.Method)
			return
		}
		h(env.Method, env.Params)

	default:
		// Server-initiated requests (id and method) are not supported.
		c.logger.Debug("dropping unsupported frame", "method", env.Method)
	}
}

// Close rejects every pending call so no caller hangs, clears
// notification handlers, and fails all future calls. err defaults to
// ErrConnectionClosed. Idempotent.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.handlers = make(map[string]NotificationHandler)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// PendingCount returns the number of requests awaiting a response.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// unregister removes a pending entry after a local failure.
func (c *Correlator) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
