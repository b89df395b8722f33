// Package main is the entry point for the runbox MCP server.
//
// The runbox server keeps long-lived, resource-capped sandbox containers for
// several languages (Python, Node.js, Java, Go, Rust, PHP, C++), runs one-off
// and queued commands inside them and offers interactive terminal sessions on
// top. Everything is exposed as MCP tools over stdio or HTTP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
// Prometheus metrics are served on server.metrics_port.
package main
