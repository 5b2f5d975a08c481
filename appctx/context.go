// Package appctx holds the request-scoped context keys shared by utils and models.
// It has no imports of its own so either side can depend on it.
package appctx

import "context"

type ContextKey string

func (c ContextKey) String() string { return "ge." + string(c) }

const (
	ContextKeyActor         ContextKey = "actor"
	ContextKeyUserId        ContextKey = "user_id"
	ContextKeyUserName      ContextKey = "user_name"
	ContextKeyCorrelationId ContextKey = "correlation_id"
)

// Value returns the typed value stored under key, or the zero value and false.
func Value[T any](ctx context.Context, key ContextKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

func With(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
