package identity

import (
	"context"

	"schoolyard/auth-core/internal/model"
	"schoolyard/auth-core/internal/repository"
)

// LegacyProvider is one pre-existing identity namespace. Providers are
// probed in a fixed priority order during login; each one implies a role
// for the identities it materializes.
type LegacyProvider interface {
	Name() string
	Role() model.Role
	// Lookup returns repository.ErrNotFound when the email is absent.
	Lookup(ctx context.Context, email string) (model.LegacyRecord, error)
	// Create mirrors a registration into the namespace so other systems
	// reading it directly keep authenticating the account.
	Create(ctx context.Context, record model.LegacyRecord) error
}

type legacyTable struct {
	store *repository.Store
	name  string
	role  model.Role
}

// NewLegacyTable wraps one legacy table in the shared database as a
// provider. name is both the provider name and the table name.
func NewLegacyTable(store *repository.Store, name string, role model.Role) LegacyProvider {
	return &legacyTable{store: store, name: name, role: role}
}

func (l *legacyTable) Name() string { return l.name }

func (l *legacyTable) Role() model.Role { return l.role }

func (l *legacyTable) Lookup(ctx context.Context, email string) (model.LegacyRecord, error) {
	return l.store.LookupLegacy(ctx, l.name, email)
}

func (l *legacyTable) Create(ctx context.Context, record model.LegacyRecord) error {
	return l.store.CreateLegacy(ctx, l.name, record)
}
