// Package tenant carries the hospital identifier through request and job contexts.
package tenant

import (
	"context"
	"strings"
)

type contextKey struct{}

// With returns a copy of ctx scoped to the hospital id.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, strings.TrimSpace(id))
}

// From returns the hospital id stored in ctx.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(contextKey{}).(string)
	if id == "" {
		return "", false
	}
	return id, true
}

// PrefixKey namespaces a cache, lock or queue key by hospital.
func PrefixKey(id, key string) string {
	if id == "" {
		return key
	}
	return id + ":" + key
}
