package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/ledger_backend/appctx"
)

var (
	ContextKeyToken          = appctx.ContextKeyToken
	ContextKeyOwnerId        = appctx.ContextKeyOwnerId
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId
	ContextKeySkipOwnerScope = appctx.ContextKeySkipOwnerScope
)

func GetOwnerIdFromContext(ctx context.Context) (string, bool) {
	v, ok := appctx.GetString(ctx, ContextKeyOwnerId)
	return v, ok && v != ""
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetOwnerIdInContext(ctx context.Context, ownerId string) context.Context {
	return appctx.Set(ctx, ContextKeyOwnerId, ownerId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSkipOwnerScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipOwnerScope, skip)
}
