// Package chat is a client for an OpenAI-style chat-completions
// backend. Complete issues a blocking request; CompleteStream reads the
// response incrementally as server-sent events, yielding content deltas
// as they arrive and accumulating tool-call fragments until they are
// dispatchable.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentdeck/agentdeck/internal/httpkit"
)

// Message is one turn in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a tool and carries its arguments as a JSON string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a tool for the model.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one completions call.
type Request struct {
	// Model overrides the client's configured model when set.
	Model    string
	Messages []Message
	Tools    []ToolSpec
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Model is the default model for requests that do not name one.
	Model string
	// Client overrides the HTTP client. Used by tests.
	Client *http.Client
	// Logger is the structured logger.
	Logger *slog.Logger
}

// Client talks to one chat-completions backend.
type Client struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
}

// New creates a chat client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		// Streaming responses must not hit a client-wide timeout.
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return &Client{cfg: cfg, logger: logger.With("component", "chat"), client: client}
}

// wireRequest is the JSON body of a completions call.
type wireRequest struct {
	Model    string     `json:"model"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
	Stream   bool       `json:"stream,omitempty"`
}

// completionResponse is the body of a non-streaming completions call.
type completionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Complete issues a blocking completions call and returns the
// assistant message from the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (*Message, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}
	return &result.Choices[0].Message, nil
}

// post sends one completions request and verifies the status. The
// caller owns the response body.
func (c *Client) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body, err := json.Marshal(wireRequest{
		Model:    model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("completions request", "model", model, "stream", stream, "messages", len(req.Messages))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("completions API returned %d: %s", resp.StatusCode, errBody)
	}
	return resp, nil
}
