package outbox

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the outbox client.
var (
	// ErrNotFound is returned when a queued mutation or entity is not found.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrNoTenant is returned when no tenant can be resolved for an operation.
	ErrNoTenant = errors.New("no tenant in scope")

	// ErrInvalidTenant is returned when a tenant identifier is malformed.
	ErrInvalidTenant = errors.New("invalid tenant identifier")

	// ErrUnknownTable is returned for a table that is not an entity table.
	ErrUnknownTable = errors.New("unknown entity table")

	// ErrEmptyEndpoint is returned when a mutation has no endpoint.
	ErrEmptyEndpoint = errors.New("endpoint cannot be empty")

	// ErrOffline is returned when a network operation is attempted without a server configured.
	ErrOffline = errors.New("operation unavailable without a server")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// NoTenantError is returned when neither the call, its context, nor the
// configuration names a tenant. Matches ErrNoTenant via errors.Is.
type NoTenantError struct {
	Operation string
}

func (e *NoTenantError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, ErrNoTenant)
}

func (e *NoTenantError) Is(target error) bool { return target == ErrNoTenant }

// DeliveryError describes a failed attempt to deliver a mutation.
// StatusCode is 0 when no response was received.
// Extractable via errors.As(). Supports Unwrap().
type DeliveryError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("delivery: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("delivery: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
func (e *DeliveryError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
}

// Terminal reports whether the server definitively refused the request.
func (e *DeliveryError) Terminal() bool {
	return !e.Transient() && e.StatusCode != http.StatusConflict
}
