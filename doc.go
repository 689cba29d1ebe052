// Package mcp implements the server side of the Model Context Protocol (MCP) over JSON-RPC 2.0,
// following the 2024-11-05 revision of https://spec.modelcontextprotocol.io/specification/.
//
// A Server binds the sessions produced by a ServerTransport to the tool, prompt and logging
// implementations configured through its options. Two transports are provided: StdIO exchanges
// newline-delimited JSON over a reader/writer pair, and SSEServer serves Server-Sent Events
// streams with a companion POST endpoint.
package mcp
