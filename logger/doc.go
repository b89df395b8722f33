// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap logger from the logging
// section of the configuration. Every component receives a *zap.Logger
// through fx and adds its own fields.
//
// Usage:
//
//	log, err := logger.New("development", "debug")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("sandbox created", zap.String("sandbox_id", id))
package logger
