package authz

import (
	"errors"

	"schoolyard/auth-core/internal/model"
)

type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var (
	ErrNoIdentity       = errors.New("no identity")
	ErrWrongTenant      = errors.New("wrong tenant")
	ErrRoleInsufficient = errors.New("role insufficient")
)

// Decision is the allow result. TenantFilter is the implicit scope a caller
// must apply to reads: empty means unbounded (super_admin).
type Decision struct {
	TenantFilter string
}

// Policy decides (identity, action, resourceTenantID) -> allow/deny.
// Pure and deterministic: no clock, no store, same inputs same decision.
type Policy struct {
	// SchoolAdminFullAccess elevates school_admin to mutating actions
	// within its own tenant. Off by default.
	SchoolAdminFullAccess bool
}

func (p Policy) Decide(identity *model.Identity, action Action, resourceTenantID string) (Decision, error) {
	if identity == nil {
		return Decision{}, ErrNoIdentity
	}

	switch identity.Role {
	case model.RoleSuperAdmin:
		return Decision{TenantFilter: resourceTenantID}, nil

	case model.RoleSchoolAdmin:
		if action != ActionView && !p.SchoolAdminFullAccess {
			return Decision{}, ErrRoleInsufficient
		}
		if identity.TenantID == nil || *identity.TenantID == "" {
			// Not onboarded yet: no tenant scope exists, so nothing is
			// visible. An empty filter would mean unbounded.
			return Decision{}, ErrWrongTenant
		}
		own := *identity.TenantID
		if resourceTenantID == "" {
			// No explicit tenant: the identity's own tenant becomes
			// the implicit filter rather than a rejection.
			return Decision{TenantFilter: own}, nil
		}
		if resourceTenantID != own {
			return Decision{}, ErrWrongTenant
		}
		return Decision{TenantFilter: own}, nil

	default:
		return Decision{}, ErrRoleInsufficient
	}
}
