package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RequestIDKey is a custom context key type for storing the request ID in context.
type RequestIDKey struct{}

// AthleteIDKey is a custom context key type for storing the authenticated
// athlete ID in context.
type AthleteIDKey struct{}

// WithRequestID returns a new context with a generated request ID set.
func WithRequestID(ctx context.Context) context.Context {
	reqID := uuid.New().String()
	return context.WithValue(ctx, RequestIDKey{}, reqID)
}

// RequestIDFromCtx retrieves the request ID from the context, or "" if unset.
func RequestIDFromCtx(ctx context.Context) string {
	reqID, _ := ctx.Value(RequestIDKey{}).(string)
	return reqID
}

// WithAthleteID returns a new context carrying the verified athlete ID.
// Set by the bearer-auth middleware after application token verification.
func WithAthleteID(ctx context.Context, athleteID int64) context.Context {
	return context.WithValue(ctx, AthleteIDKey{}, athleteID)
}

// AthleteIDFromContext retrieves the verified athlete ID from the context.
// Returns an error if no athlete ID is present.
func AthleteIDFromContext(ctx context.Context) (int64, error) {
	athleteID, ok := ctx.Value(AthleteIDKey{}).(int64)
	if !ok {
		return 0, fmt.Errorf("missing athlete id")
	}
	return athleteID, nil
}

// LoggerFromCtx returns a slog.Logger with request_id field if present in context.
// If no request ID is found, it returns the default logger.
// This allows for structured logging with request context.
func LoggerFromCtx(ctx context.Context) *slog.Logger {
	reqID, _ := ctx.Value(RequestIDKey{}).(string)
	if reqID != "" {
		return slog.Default().With("request_id", reqID)
	}
	return slog.Default()
}

// Mask redacts a secret for logging, keeping only a short visible prefix.
// Provider tokens must never appear unmasked in any log or error payload.
func Mask(v string) string {
	const visible = 4
	if len(v) <= visible {
		return "****"
	}
	return v[:visible] + "****"
}
