package store

import (
	"fmt"
	"os"
)

// TenantEnv is the environment variable consulted when no tenant is given explicitly.
const TenantEnv = "OUTBOX_TENANT"

// ResolveTenant determines the tenant to operate on.
// Priority: explicit > OUTBOX_TENANT env.
// Returns "" with a nil error when neither is set; callers decide whether
// that is fatal.
func ResolveTenant(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateTenantID(explicit); err != nil {
			return "", fmt.Errorf("invalid tenant %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv(TenantEnv); env != "" {
		if err := ValidateTenantID(env); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", TenantEnv, env, err)
		}
		return env, nil
	}

	return "", nil
}
