// Package mcp contains the wire-level types of the Model Context Protocol as
// they appear inside JSON-RPC 2.0 envelopes: method names, request and result
// payloads, capability advertisements, and the content primitives exchanged
// by tools, resources, and prompts.
//
// The package is deliberately free of behavior. Everything that moves bytes
// or makes decisions lives elsewhere (internal/jsonrpc for the envelope,
// internal/engine for dispatch); this package is the shared vocabulary.
//
// The LatestProtocolVersion constant reflects the most recent protocol date
// this module understands. Version negotiation is handled during initialize:
// when the client requests a version the server knows, that version is
// echoed back, otherwise the server answers with its latest.
package mcp
