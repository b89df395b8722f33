// Package store persists job results and project to sandbox bindings.
//
// Memory keeps everything in process and is the default. Postgres uses a
// pgx connection pool and creates its tables on connect.
package store
