// Package identitytest provides in-memory doubles for the resolver's store
// and legacy-provider capabilities. The doubles keep the pgx repository's
// error contract: pgx.ErrNoRows for absent rows and a 23505 pgconn error
// for duplicate emails.
package identitytest

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"schoolyard/auth-core/internal/model"
)

type MemStore struct {
	mu         sync.Mutex
	identities map[string]model.Identity
	byEmail    map[string]string
	tenants    map[string]model.Tenant
}

func NewMemStore() *MemStore {
	return &MemStore{
		identities: make(map[string]model.Identity),
		byEmail:    make(map[string]string),
		tenants:    make(map[string]model.Tenant),
	}
}

func duplicateEmailErr() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "identities_email_key"}
}

func (m *MemStore) GetIdentityByEmail(_ context.Context, email string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return model.Identity{}, pgx.ErrNoRows
	}
	return m.identities[id], nil
}

func (m *MemStore) GetIdentityByID(_ context.Context, identityID string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return model.Identity{}, pgx.ErrNoRows
	}
	return identity, nil
}

func (m *MemStore) CreateIdentity(_ context.Context, identity model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[identity.Email]; exists {
		return duplicateEmailErr()
	}
	m.identities[identity.ID] = identity
	m.byEmail[identity.Email] = identity.ID
	return nil
}

func (m *MemStore) DeleteIdentity(_ context.Context, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return pgx.ErrNoRows
	}
	delete(m.identities, identityID)
	delete(m.byEmail, identity.Email)
	return nil
}

func (m *MemStore) UpsertIdentityByEmail(_ context.Context, identity model.Identity) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existingID, ok := m.byEmail[identity.Email]; ok {
		existing := m.identities[existingID]
		existing.PasswordHash = identity.PasswordHash
		existing.Role = identity.Role
		existing.IsActive = true
		existing.UpdatedAt = identity.UpdatedAt
		m.identities[existingID] = existing
		return existing, nil
	}
	m.identities[identity.ID] = identity
	m.byEmail[identity.Email] = identity.ID
	return identity, nil
}

func (m *MemStore) UpdateLastLogin(_ context.Context, identityID string, at time.Time) error {
	return m.mutate(identityID, func(identity *model.Identity) {
		identity.LastLoginAt = &at
		identity.UpdatedAt = at
	})
}

func (m *MemStore) SetRefreshToken(_ context.Context, identityID string, refreshToken *string, at time.Time) error {
	return m.mutate(identityID, func(identity *model.Identity) {
		identity.RefreshToken = refreshToken
		identity.UpdatedAt = at
	})
}

func (m *MemStore) SwapRefreshToken(_ context.Context, identityID, current, next string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok || identity.RefreshToken == nil || *identity.RefreshToken != current {
		return false, nil
	}
	identity.RefreshToken = &next
	identity.UpdatedAt = at
	m.identities[identityID] = identity
	return true, nil
}

func (m *MemStore) UpdatePassword(_ context.Context, identityID, passwordHash string, at time.Time) error {
	return m.mutate(identityID, func(identity *model.Identity) {
		identity.PasswordHash = passwordHash
		identity.RefreshToken = nil
		identity.UpdatedAt = at
	})
}

func (m *MemStore) SetTenantOnce(_ context.Context, identityID, tenantID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok || identity.TenantID != nil {
		return false, nil
	}
	identity.TenantID = &tenantID
	identity.UpdatedAt = at
	m.identities[identityID] = identity
	return true, nil
}

func (m *MemStore) ResetTenant(_ context.Context, identityID string, at time.Time) error {
	return m.mutate(identityID, func(identity *model.Identity) {
		identity.TenantID = nil
		identity.UpdatedAt = at
	})
}

func (m *MemStore) SetActive(_ context.Context, identityID string, active bool, at time.Time) error {
	return m.mutate(identityID, func(identity *model.Identity) {
		identity.IsActive = active
		if !active {
			identity.RefreshToken = nil
		}
		identity.UpdatedAt = at
	})
}

func (m *MemStore) CreateTenant(_ context.Context, tenant model.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenant.ID] = tenant
	return nil
}

func (m *MemStore) DeleteTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, tenantID)
	return nil
}

func (m *MemStore) GetTenant(_ context.Context, tenantID string) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, ok := m.tenants[tenantID]
	if !ok {
		return model.Tenant{}, pgx.ErrNoRows
	}
	return tenant, nil
}

func (m *MemStore) ListTenants(_ context.Context, tenantFilter string, limit int) ([]model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenants := make([]model.Tenant, 0)
	for _, tenant := range m.tenants {
		if tenantFilter != "" && tenant.ID != tenantFilter {
			continue
		}
		if len(tenants) == limit {
			break
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

func (m *MemStore) mutate(identityID string, fn func(*model.Identity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return pgx.ErrNoRows
	}
	fn(&identity)
	m.identities[identityID] = identity
	return nil
}

// MemLegacy is an in-memory legacy namespace.
type MemLegacy struct {
	name    string
	role    model.Role
	mu      sync.Mutex
	records map[string]model.LegacyRecord
}

func NewMemLegacy(name string, role model.Role) *MemLegacy {
	return &MemLegacy{name: name, role: role, records: make(map[string]model.LegacyRecord)}
}

func (l *MemLegacy) Name() string { return l.name }

func (l *MemLegacy) Role() model.Role { return l.role }

func (l *MemLegacy) Lookup(_ context.Context, email string) (model.LegacyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[email]
	if !ok {
		return model.LegacyRecord{}, pgx.ErrNoRows
	}
	return record, nil
}

func (l *MemLegacy) Create(_ context.Context, record model.LegacyRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.Email] = record
	return nil
}

// Seed inserts a record with an already-hashed password.
func (l *MemLegacy) Seed(name, email, passwordHash string, deleted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[email] = model.LegacyRecord{Name: name, Email: email, PasswordHash: passwordHash, IsDeleted: deleted}
}
