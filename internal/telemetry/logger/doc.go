// Package logger builds the structured logger used by statemesh-server.
//
// It wraps log/slog:
//
//   - logger.go: handler construction, process-wide dynamic level
//   - context.go: carrying a logger and node/transaction IDs in a context
//   - redact.go: masking of secrets such as the cluster key
//
// Every component accepts a *slog.Logger and falls back to slog.Default()
// when given nil.
package logger
