package model

import "time"

type Role string

const (
	RoleSuperAdmin  Role = "super_admin"
	RoleSchoolAdmin Role = "school_admin"
)

func (r Role) Valid() bool {
	return r == RoleSuperAdmin || r == RoleSchoolAdmin
}

// Identity is the canonical user record. Exactly one exists per email;
// legacy stores are read-through sources once an Identity is materialized.
type Identity struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         Role
	TenantID     *string
	IsActive     bool
	RefreshToken *string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Tenant struct {
	ID        string
	Name      string
	Status    string
	CreatedAt time.Time
}

const (
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
)

// LegacyRecord is the shape shared by all legacy identity namespaces.
// The hash is copied verbatim during materialization, never re-hashed.
type LegacyRecord struct {
	Name         string
	Email        string
	PasswordHash string
	IsDeleted    bool
}
