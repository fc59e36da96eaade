package cache

import (
	"context"

	"github.com/medibill/discounts/internal/tenant"
)

// KeyHospitalSettings returns the per-tenant key of the cached discount settings snapshot.
func KeyHospitalSettings(ctx context.Context) string {
	return tenantKey(ctx, "discount:settings")
}

func tenantKey(ctx context.Context, base string) string {
	id, ok := tenant.From(ctx)
	if !ok {
		return base
	}
	return tenant.PrefixKey(id, base)
}
