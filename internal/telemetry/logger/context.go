package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "statemesh.logger"
	nodeIDKey contextKey = "statemesh.node_id"
	txIDKey   contextKey = "statemesh.tx_id"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext extracts the logger from context.
// Returns slog.Default() if none is set.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithNodeID adds the local node ID to the context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// NodeIDFromContext extracts the node ID from context.
func NodeIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(nodeIDKey).(string)
	return id
}

// WithTxID adds a transaction ID to the context.
func WithTxID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txIDKey, txID)
}

// TxIDFromContext extracts the transaction ID from context.
func TxIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(txIDKey).(string)
	return id
}

// L is a shorthand for FromContext that also enriches the logger
// with the node and transaction IDs from the context.
func L(ctx context.Context) *slog.Logger {
	l := FromContext(ctx)
	if id := NodeIDFromContext(ctx); id != "" {
		l = l.With("node_id", id)
	}
	if id := TxIDFromContext(ctx); id != "" {
		l = l.With("tx", id)
	}
	return l
}
