// Package mcp implements MCP (Model Context Protocol) client support:
// the JSON-RPC 2.0 envelope, request/response correlation, three wire
// transports (WebSocket, SSE, streamable HTTP), and the per-server
// connection lifecycle with handshake and reconnection.
//
// A Conn pairs one Transport with one Correlator for a single remote
// server. The correlator tags outgoing requests with monotonically
// increasing ids, matches inbound responses to their callers, and routes
// server-initiated notifications to registered handlers. Connection
// status transitions are published on an events.Bus so a UI layer can
// follow them without polling.
//
// This implementation covers the client/host side only — agentdeck does
// not act as an MCP server.
package mcp
