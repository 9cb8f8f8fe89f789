package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	phaseKey
)

// WithSession attaches a session id to the context for log correlation.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithPhase attaches the current phase to the context.
func WithPhase(ctx context.Context, p phase.Phase) context.Context {
	return context.WithValue(ctx, phaseKey, p)
}

// ContextFields extracts log fields carried on the context.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("session_id", id))
	}
	if p, ok := ctx.Value(phaseKey).(phase.Phase); ok && p != "" {
		fields = append(fields, zap.String("phase", string(p)))
	}
	return fields
}
