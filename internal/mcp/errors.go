package mcp

import "errors"

// Sentinel errors for connection and dispatch failures. Server-reported
// protocol errors surface as *RPCError instead.
var (
	// ErrConnectionClosed rejects operations pending or attempted while
	// a connection is being torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotOpen is returned by transport writes before Open or after Close.
	ErrNotOpen = errors.New("transport not open")

	// ErrAlreadyOpen is returned by Open on a transport that is already open.
	ErrAlreadyOpen = errors.New("transport already open")

	// ErrServerNotFound is returned when a namespaced dispatch names an
	// unknown server.
	ErrServerNotFound = errors.New("server not found")

	// ErrToolNotFound is returned when a dispatch name cannot be split
	// into a server and tool.
	ErrToolNotFound = errors.New("tool not found")
)
