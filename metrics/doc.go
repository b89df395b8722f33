// Package metrics holds the prometheus collectors exported by runbox.
//
// Collectors are registered on the default registry at init through
// promauto and served by promhttp from cmd/server.
package metrics
