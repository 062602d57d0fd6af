package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across the hub.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldSyncID    = "sync_attempt"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount      = "count"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"
	FieldPeer    = "peer"

	// Hub-specific
	FieldFid         = "fid"
	FieldMessageType = "message_type"
	FieldMessageHash = "hash"
	FieldSigner      = "signer"
	FieldPrefix      = "prefix"
	FieldRootHash    = "root_hash"
	FieldNumItems    = "num_items"
)

// Context keys for propagating logging context
type contextKey string

const (
	syncIDKey    contextKey = "logger_sync_attempt"
	requestIDKey contextKey = "logger_request_id"
	peerKey      contextKey = "logger_peer"
	componentKey contextKey = "logger_component"
)

// WithSyncID adds a sync attempt ID to the context for logging
func WithSyncID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, syncIDKey, id)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithPeer adds the remote peer address to the context for logging
func WithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(syncIDKey).(string); ok && id != "" {
		fields = append(fields, FieldSyncID, id)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if peer, ok := ctx.Value(peerKey).(string); ok && peer != "" {
		fields = append(fields, FieldPeer, peer)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base with fields extracted from ctx attached.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	engine := merge.NewEngine(db, tr, stores, registry, cfg,
//	    logger.ComponentLogger("merge"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
