// Package logger provides structured logging for glimmerdb-server.
//
// The slog-based implementation lives in logger.go. This file is kept
// as the placeholder for an alternate zap-backed handler should the
// output volume of a busy replica ever justify the switch.
package logger

