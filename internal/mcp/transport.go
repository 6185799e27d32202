package mcp

import "context"

// DeliverFunc receives one inbound JSON-RPC frame from a transport.
// Conn wires this to the correlator's Deliver.
type DeliverFunc func(raw []byte)

// Transport is the wire strategy for MCP server communication. Three
// implementations exist: WSTransport (persistent bidirectional socket),
// SSETransport (server-push stream plus discrete POST writes), and
// StreamTransport (streamable HTTP with a session token, the default).
//
// Write must fail fast with ErrNotOpen when the transport is not open.
// Close must be idempotent. Inbound frames are handed to the DeliverFunc
// supplied at construction.
type Transport interface {
	// Open establishes the channel. It fails if the channel cannot be
	// set up; protocol-level handshake is the connection's concern.
	Open(ctx context.Context) error

	// Write sends one encoded JSON-RPC message.
	Write(ctx context.Context, data []byte) error

	// Close tears down the channel and releases resources.
	Close() error

	// IsOpen reports whether the transport accepts writes.
	IsOpen() bool
}

// TransportKind selects the wire strategy for a server.
type TransportKind string

const (
	// TransportWebSocket is a long-lived bidirectional socket.
	TransportWebSocket TransportKind = "websocket"
	// TransportSSE pairs a server-push event stream with POST writes.
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP is streamable HTTP with a session token.
	// This is the default for servers that do not specify a kind.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// sessionHeader carries the server-issued session token on streamable
// HTTP and SSE transports.
const sessionHeader = "Mcp-Session-Id"
