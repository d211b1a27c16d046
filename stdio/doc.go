// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for embedding servers as subprocesses, local
// development, and environments where spawning a child process and piping
// newline-delimited JSON is simpler than running a network server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Sessions         : Ephemeral; memory only
//	Transport        : Newline-delimited JSON-RPC frames
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "postgres-mcp", Version: "0.1.0"}),
//	    // mcpservice.WithToolsCapability(...), etc.
//	)
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
package stdio
