package identity

import (
	"context"
	"time"

	"schoolyard/auth-core/internal/model"
)

// Store is the canonical-record capability the resolver needs. The pgx
// repository satisfies it in production; resolver tests use an in-memory
// implementation.
type Store interface {
	GetIdentityByEmail(ctx context.Context, email string) (model.Identity, error)
	GetIdentityByID(ctx context.Context, identityID string) (model.Identity, error)
	CreateIdentity(ctx context.Context, identity model.Identity) error
	DeleteIdentity(ctx context.Context, identityID string) error
	UpsertIdentityByEmail(ctx context.Context, identity model.Identity) (model.Identity, error)
	UpdateLastLogin(ctx context.Context, identityID string, at time.Time) error
	SetRefreshToken(ctx context.Context, identityID string, refreshToken *string, at time.Time) error
	SwapRefreshToken(ctx context.Context, identityID, current, next string, at time.Time) (bool, error)
	UpdatePassword(ctx context.Context, identityID, passwordHash string, at time.Time) error
	SetTenantOnce(ctx context.Context, identityID, tenantID string, at time.Time) (bool, error)
	ResetTenant(ctx context.Context, identityID string, at time.Time) error
	SetActive(ctx context.Context, identityID string, active bool, at time.Time) error
	CreateTenant(ctx context.Context, tenant model.Tenant) error
	DeleteTenant(ctx context.Context, tenantID string) error
	GetTenant(ctx context.Context, tenantID string) (model.Tenant, error)
	ListTenants(ctx context.Context, tenantFilter string, limit int) ([]model.Tenant, error)
}
