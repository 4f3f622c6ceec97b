package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	claimsKey ctxKey = "auth_claims"
	userIDKey ctxKey = "auth_user_id"
)

// ContextWithClaims attaches verified access claims to the context.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	if claims == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, claimsKey, claims)
	return ContextWithUser(ctx, claims.Subject)
}

// ClaimsFromContext returns the verified access claims, if any.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsKey).(*AccessClaims)
	return v, ok && v != nil
}

// ContextWithUser stores the authenticated subject id in the context.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
}

// UserIDFromContext extracts the authenticated subject id from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
