package store_test

import (
	"errors"
	"testing"

	"github.com/hyperengineering/outbox/internal/store"
)

func TestResolveTenant_ExplicitParam(t *testing.T) {
	t.Setenv(store.TenantEnv, "")

	got, err := store.ResolveTenant("acme")
	if err != nil {
		t.Fatalf("ResolveTenant(explicit) unexpected error: %v", err)
	}
	if got != "acme" {
		t.Errorf("ResolveTenant(explicit) = %q, want %q", got, "acme")
	}
}

func TestResolveTenant_EnvVar(t *testing.T) {
	t.Setenv(store.TenantEnv, "env-tenant")

	got, err := store.ResolveTenant("")
	if err != nil {
		t.Fatalf("ResolveTenant(env) unexpected error: %v", err)
	}
	if got != "env-tenant" {
		t.Errorf("ResolveTenant(env) = %q, want %q", got, "env-tenant")
	}
}

func TestResolveTenant_ExplicitOverEnv(t *testing.T) {
	t.Setenv(store.TenantEnv, "env-tenant")

	got, err := store.ResolveTenant("explicit-tenant")
	if err != nil {
		t.Fatalf("ResolveTenant(explicit over env) unexpected error: %v", err)
	}
	if got != "explicit-tenant" {
		t.Errorf("ResolveTenant(explicit over env) = %q, want %q", got, "explicit-tenant")
	}
}

func TestResolveTenant_NoneResolvable(t *testing.T) {
	t.Setenv(store.TenantEnv, "")

	got, err := store.ResolveTenant("")
	if err != nil {
		t.Fatalf("ResolveTenant(none) unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("ResolveTenant(none) = %q, want empty", got)
	}
}

func TestResolveTenant_InvalidExplicit(t *testing.T) {
	_, err := store.ResolveTenant("bad tenant")
	if !errors.Is(err, store.ErrInvalidTenantID) {
		t.Errorf("ResolveTenant(invalid explicit) error = %v, want ErrInvalidTenantID", err)
	}
}

func TestResolveTenant_InvalidEnv(t *testing.T) {
	t.Setenv(store.TenantEnv, "org/team")

	_, err := store.ResolveTenant("")
	if !errors.Is(err, store.ErrInvalidTenantID) {
		t.Errorf("ResolveTenant(invalid env) error = %v, want ErrInvalidTenantID", err)
	}
}
