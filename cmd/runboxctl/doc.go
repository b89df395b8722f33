// Package main is the runboxctl operator CLI.
//
// runboxctl lists, inspects, garbage-collects and removes runbox sandboxes
// directly through the configured container engine, without a running server:
//
//	runboxctl ls --all
//	runboxctl gc --max-age-hours 12 --dry-run
//	runboxctl exec <sandbox-id> -- ls -la
//	runboxctl rm <sandbox-id>
package main
