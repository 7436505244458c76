package outbox

import (
	"context"
	"fmt"

	"github.com/hyperengineering/outbox/internal/store"
)

type tenantKey struct{}

// WithTenant returns a context carrying tenant. Client methods use it when
// no tenant is passed explicitly.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext returns the tenant stored by WithTenant.
func TenantFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok && t != ""
}

// ValidateTenant reports whether tenant is a well-formed identifier.
func ValidateTenant(tenant string) error {
	if err := store.ValidateTenantID(tenant); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidTenant, tenant, err)
	}
	return nil
}
