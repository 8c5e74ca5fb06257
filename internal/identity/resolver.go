package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"schoolyard/auth-core/internal/crypto"
	"schoolyard/auth-core/internal/model"
	"schoolyard/auth-core/internal/repository"
	"schoolyard/auth-core/internal/token"
)

// Resolver reconciles registration and login across the canonical store and
// the ordered legacy providers, keeping at most one canonical Identity per
// email, and owns the refresh-token session lifecycle.
type Resolver struct {
	store  Store
	legacy []LegacyProvider
	tokens *token.Issuer

	// Env-mirrored super admin escape hatch: when the email matches, a
	// correct password re-hashes and upserts the record on every login.
	// Empty email disables the path.
	superAdminEmail    string
	superAdminPassword string

	now func() time.Time
}

func NewResolver(store Store, legacy []LegacyProvider, tokens *token.Issuer, superAdminEmail, superAdminPassword string) *Resolver {
	return &Resolver{
		store:              store,
		legacy:             legacy,
		tokens:             tokens,
		superAdminEmail:    NormalizeEmail(superAdminEmail),
		superAdminPassword: superAdminPassword,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Register creates the canonical Identity and, when targetStore names a
// legacy namespace, mirrors the record there with the same hash.
func (r *Resolver) Register(ctx context.Context, name, email, password string, role model.Role, targetStore string) (model.Identity, error) {
	email = NormalizeEmail(email)

	var provider LegacyProvider
	if targetStore != "" {
		provider = r.provider(targetStore)
		if provider == nil {
			return model.Identity{}, ErrUnknownStore
		}
		if _, err := provider.Lookup(ctx, email); err == nil {
			return model.Identity{}, ErrEmailTaken
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return model.Identity{}, err
		}
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return model.Identity{}, err
	}

	now := r.now()
	identity := model.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateIdentity(ctx, identity); err != nil {
		if repository.IsUniqueViolation(err) {
			return model.Identity{}, ErrEmailTaken
		}
		return model.Identity{}, err
	}

	if provider != nil {
		if err := provider.Create(ctx, model.LegacyRecord{
			Name:         name,
			Email:        email,
			PasswordHash: hash,
		}); err != nil {
			// Compensate so a retry does not hit email_taken for a
			// registration the caller was told failed.
			_ = r.store.DeleteIdentity(ctx, identity.ID)
			return model.Identity{}, err
		}
	}

	return identity, nil
}

// Login resolves the credentials against the canonical store first, then
// the legacy providers in priority order, materializing a canonical record
// on the first legacy match.
func (r *Resolver) Login(ctx context.Context, email, password string) (model.Identity, error) {
	email = NormalizeEmail(email)

	if r.superAdminEmail != "" && email == r.superAdminEmail &&
		subtle.ConstantTimeCompare([]byte(password), []byte(r.superAdminPassword)) == 1 {
		identity, err := r.loginSuperAdmin(ctx, email, password)
		if err != nil {
			loginsTotal.WithLabelValues("error").Inc()
			return model.Identity{}, err
		}
		loginsTotal.WithLabelValues("success").Inc()
		return identity, nil
	}

	identity, err := r.store.GetIdentityByEmail(ctx, email)
	switch {
	case err == nil:
		if !identity.IsActive {
			loginsTotal.WithLabelValues("inactive").Inc()
			return model.Identity{}, ErrInactive
		}
		if crypto.CheckPassword(identity.PasswordHash, password) != nil {
			loginsTotal.WithLabelValues("denied").Inc()
			return model.Identity{}, ErrInvalidCredentials
		}
	case errors.Is(err, pgx.ErrNoRows):
		identity, err = r.materialize(ctx, email, password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				loginsTotal.WithLabelValues("denied").Inc()
			} else {
				loginsTotal.WithLabelValues("error").Inc()
			}
			return model.Identity{}, err
		}
	default:
		loginsTotal.WithLabelValues("error").Inc()
		return model.Identity{}, err
	}

	now := r.now()
	if err := r.store.UpdateLastLogin(ctx, identity.ID, now); err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return model.Identity{}, err
	}
	identity.LastLoginAt = &now

	loginsTotal.WithLabelValues("success").Inc()
	return identity, nil
}

// materialize performs the lazy migration: the first provider whose record
// matches email and password becomes the source of the canonical Identity.
// The hash is copied as-is so the same plaintext keeps working.
func (r *Resolver) materialize(ctx context.Context, email, password string) (model.Identity, error) {
	for _, provider := range r.legacy {
		record, err := provider.Lookup(ctx, email)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return model.Identity{}, err
		}
		if record.IsDeleted {
			continue
		}
		if crypto.CheckPassword(record.PasswordHash, password) != nil {
			continue
		}

		now := r.now()
		identity := model.Identity{
			ID:           uuid.NewString(),
			Email:        email,
			Name:         record.Name,
			PasswordHash: record.PasswordHash,
			Role:         provider.Role(),
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = r.store.CreateIdentity(ctx, identity)
		if repository.IsUniqueViolation(err) {
			// A concurrent login materialized this email first. The
			// unique key on email serialized us; converge on theirs.
			existing, lookupErr := r.store.GetIdentityByEmail(ctx, email)
			if lookupErr != nil {
				return model.Identity{}, lookupErr
			}
			if !existing.IsActive {
				return model.Identity{}, ErrInactive
			}
			if crypto.CheckPassword(existing.PasswordHash, password) != nil {
				return model.Identity{}, ErrInvalidCredentials
			}
			return existing, nil
		}
		if err != nil {
			return model.Identity{}, err
		}

		materializationsTotal.WithLabelValues(provider.Name()).Inc()
		return identity, nil
	}

	return model.Identity{}, ErrInvalidCredentials
}

func (r *Resolver) loginSuperAdmin(ctx context.Context, email, password string) (model.Identity, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return model.Identity{}, err
	}
	now := r.now()
	identity, err := r.store.UpsertIdentityByEmail(ctx, model.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         "Super Admin",
		PasswordHash: hash,
		Role:         model.RoleSuperAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return model.Identity{}, err
	}
	if err := r.store.UpdateLastLogin(ctx, identity.ID, now); err != nil {
		return model.Identity{}, err
	}
	identity.LastLoginAt = &now
	return identity, nil
}

// StartSession mints an access/refresh pair and stores the refresh token as
// the single live one for the identity.
func (r *Resolver) StartSession(ctx context.Context, identityID string) (TokenPair, error) {
	pair, err := r.mint(identityID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := r.store.SetRefreshToken(ctx, identityID, &pair.RefreshToken, r.now()); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Refresh rotates the session: the presented token must verify and exactly
// match the stored one, and the replacement happens in a single
// compare-and-swap so two concurrent refreshes cannot both win.
func (r *Resolver) Refresh(ctx context.Context, presented string) (model.Identity, TokenPair, error) {
	identityID, err := r.tokens.VerifyRefreshToken(presented)
	if err != nil {
		refreshRotationsTotal.WithLabelValues("invalid").Inc()
		return model.Identity{}, TokenPair{}, err
	}

	identity, err := r.store.GetIdentityByID(ctx, identityID)
	if errors.Is(err, pgx.ErrNoRows) {
		refreshRotationsTotal.WithLabelValues("gone").Inc()
		return model.Identity{}, TokenPair{}, ErrIdentityGone
	}
	if err != nil {
		return model.Identity{}, TokenPair{}, err
	}
	if !identity.IsActive {
		refreshRotationsTotal.WithLabelValues("gone").Inc()
		return model.Identity{}, TokenPair{}, ErrIdentityGone
	}
	if identity.RefreshToken == nil || *identity.RefreshToken != presented {
		refreshRotationsTotal.WithLabelValues("stale").Inc()
		return model.Identity{}, TokenPair{}, ErrStaleRefresh
	}

	pair, err := r.mint(identityID)
	if err != nil {
		return model.Identity{}, TokenPair{}, err
	}
	swapped, err := r.store.SwapRefreshToken(ctx, identityID, presented, pair.RefreshToken, r.now())
	if err != nil {
		return model.Identity{}, TokenPair{}, err
	}
	if !swapped {
		refreshRotationsTotal.WithLabelValues("stale").Inc()
		return model.Identity{}, TokenPair{}, ErrStaleRefresh
	}

	refreshRotationsTotal.WithLabelValues("success").Inc()
	identity.RefreshToken = &pair.RefreshToken
	return identity, pair, nil
}

func (r *Resolver) mint(identityID string) (TokenPair, error) {
	access, accessExp, err := r.tokens.IssueAccessToken(identityID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := r.tokens.IssueRefreshToken(identityID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Logout clears the stored refresh token; the access token simply ages out.
func (r *Resolver) Logout(ctx context.Context, identityID string) error {
	return r.store.SetRefreshToken(ctx, identityID, nil, r.now())
}

// Onboard creates the tenant and binds it to the identity. The binding is
// one-shot: a second call fails until a super admin resets the tenant.
func (r *Resolver) Onboard(ctx context.Context, identityID, schoolName string) (model.Identity, error) {
	identity, err := r.store.GetIdentityByID(ctx, identityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Identity{}, ErrIdentityGone
	}
	if err != nil {
		return model.Identity{}, err
	}
	if identity.TenantID != nil {
		return model.Identity{}, ErrAlreadyOnboarded
	}

	now := r.now()
	tenant := model.Tenant{
		ID:        uuid.NewString(),
		Name:      schoolName,
		Status:    model.TenantStatusActive,
		CreatedAt: now,
	}
	if err := r.store.CreateTenant(ctx, tenant); err != nil {
		return model.Identity{}, err
	}

	bound, err := r.store.SetTenantOnce(ctx, identityID, tenant.ID, now)
	if err != nil {
		return model.Identity{}, err
	}
	if !bound {
		// A concurrent onboarding won between our check and the bind.
		// Remove the tenant we created so no orphan school survives.
		_ = r.store.DeleteTenant(ctx, tenant.ID)
		return model.Identity{}, ErrAlreadyOnboarded
	}

	return r.store.GetIdentityByID(ctx, identityID)
}

// ChangePassword re-hashes and invalidates the live refresh token.
func (r *Resolver) ChangePassword(ctx context.Context, identityID, currentPassword, newPassword string) error {
	identity, err := r.store.GetIdentityByID(ctx, identityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrIdentityGone
	}
	if err != nil {
		return err
	}
	if crypto.CheckPassword(identity.PasswordHash, currentPassword) != nil {
		return ErrInvalidCredentials
	}

	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	return r.store.UpdatePassword(ctx, identityID, hash, r.now())
}

// SetActive flips the activation flag; deactivation also clears the stored
// refresh token so the session cannot be refreshed back to life.
func (r *Resolver) SetActive(ctx context.Context, identityID string, active bool) error {
	return r.store.SetActive(ctx, identityID, active, r.now())
}

// ResetTenant unbinds the identity from its tenant so it can be onboarded
// again. Super-admin-only at the HTTP surface.
func (r *Resolver) ResetTenant(ctx context.Context, identityID string) error {
	return r.store.ResetTenant(ctx, identityID, r.now())
}

func (r *Resolver) provider(name string) LegacyProvider {
	for _, p := range r.legacy {
		if p.Name() == name {
			return p
		}
	}
	return nil
}
