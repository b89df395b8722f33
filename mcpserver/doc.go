// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox lifecycle, the job orchestrator
// and terminal sessions as MCP tools using the mark3labs/mcp-go library.
// Tool results are JSON documents in the text content of the result. Failed
// calls set IsError and carry {"error": ..., "kind": ...} so clients can tell
// a missing sandbox from a runtime failure. Every call passes an admission
// rate limiter first.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, manager, executor, orchestrator, terminals, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio()
package mcpserver
