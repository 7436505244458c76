// Package store provides tenant identifiers and on-disk locations for the outbox database.
package store

import (
	"errors"
	"regexp"
)

// ErrInvalidTenantID indicates the tenant ID format is invalid.
var ErrInvalidTenantID = errors.New("invalid tenant ID: must be 1-128 characters of letters, digits, '.', '_' or '-'")

// tenantIDRegex validates tenant ID format.
// - Letters, digits, '.', '_' and '-'
// - Must start with a letter or digit
// - Length: 1-128 characters
var tenantIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTenantID validates a tenant ID format.
func ValidateTenantID(id string) error {
	if !tenantIDRegex.MatchString(id) {
		return ErrInvalidTenantID
	}
	return nil
}
