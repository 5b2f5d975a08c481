package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/ge_backend/appctx"
)

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.Value[int](ctx, appctx.ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.ContextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, appctx.ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.With(ctx, appctx.ContextKeyCorrelationId, correlationId)
}
