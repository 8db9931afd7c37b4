package utils

import (
	"context"

	"github.com/mmdatafocus/credit_backend/appctx"
)

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	v, ok := appctx.GetString(ctx, appctx.ContextKeyUsername)
	return v, ok && v != ""
}

func SetCorrelationIdInContext(ctx context.Context, id string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, id)
}

// SetOperatorInContext records who is acting; the username doubles as the
// ledger actor.
func SetOperatorInContext(ctx context.Context, userID int, username string) context.Context {
	ctx = appctx.Set(ctx, appctx.ContextKeyUserId, userID)
	ctx = appctx.Set(ctx, appctx.ContextKeyUsername, username)
	return appctx.Set(ctx, appctx.ContextKeyActor, username)
}
