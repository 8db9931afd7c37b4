package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyToken         = ContextKey("Token")
	ContextKeyUsername      = ContextKey("Username")
	ContextKeyUserId        = ContextKey("UserId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyActor names who triggered a status change: an operator
	// username, a partner id for webhooks, or "system" for workers.
	ContextKeyActor = ContextKey("Actor")
)

// SystemActor is recorded on transitions made by background workers.
const SystemActor = "system"

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func CorrelationID(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyCorrelationId)
	return v
}

// Actor falls back to SystemActor when nothing upstream set one.
func Actor(ctx context.Context) string {
	if v, ok := GetString(ctx, ContextKeyActor); ok && v != "" {
		return v
	}
	return SystemActor
}
