// Package mcp implements an MCP (Model Context Protocol) client speaking
// the streamable HTTP transport: JSON-RPC 2.0 over HTTP POST with
// server-assigned sessions, protocol-version negotiation, and optional
// Server-Sent-Events response framing. A stdio subprocess transport is
// also provided for locally spawned servers.
//
// The Client wraps one Transport, performs the one-time initialize
// handshake, and optionally defers failed requests into an offline queue
// for later replay. Streaming and file upload are optional transport
// capabilities; callers check for them via the Streamer and Uploader
// interfaces.
//
// This implementation covers the client/host side only — mcpwire does
// not act as an MCP server.
package mcp
