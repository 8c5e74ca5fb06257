package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schoolyard/auth-core/internal/crypto"
	"schoolyard/auth-core/internal/identity/identitytest"
	"schoolyard/auth-core/internal/model"
	"schoolyard/auth-core/internal/token"
)

func newTestResolver(store Store, legacy ...LegacyProvider) *Resolver {
	issuer := token.NewIssuer("access-secret", "refresh-secret", "test-issuer", 15*time.Minute, 24*time.Hour)
	return NewResolver(store, legacy, issuer, "", "")
}

func seedLegacy(t *testing.T, store *identitytest.MemLegacy, name, email, password string, deleted bool) {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	store.Seed(name, email, hash, deleted)
}

func TestRegisterThenLogin(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if registered.Role != model.RoleSchoolAdmin || !registered.IsActive {
		t.Fatalf("unexpected identity: %+v", registered)
	}

	for i := 0; i < 2; i++ {
		identity, err := resolver.Login(ctx, "ADA@X.com", "secret1")
		if err != nil {
			t.Fatalf("login %d error: %v", i, err)
		}
		if identity.ID != registered.ID {
			t.Fatalf("login %d: expected id %s, got %s", i, registered.ID, identity.ID)
		}
		if identity.LastLoginAt == nil {
			t.Fatalf("login %d: lastLoginAt not set", i)
		}
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	if _, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, ""); err != nil {
		t.Fatalf("register error: %v", err)
	}
	if _, err := resolver.Register(ctx, "Eve", "ada@x.com", "other", model.RoleSchoolAdmin, ""); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestRegisterMirrorsToLegacyStore(t *testing.T) {
	ctx := context.Background()
	legacy := identitytest.NewMemLegacy("legacy_admins", model.RoleSchoolAdmin)
	resolver := newTestResolver(identitytest.NewMemStore(), legacy)

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "legacy_admins")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}

	record, err := legacy.Lookup(ctx, "ada@x.com")
	if err != nil {
		t.Fatalf("expected mirrored legacy record: %v", err)
	}
	if record.PasswordHash != registered.PasswordHash {
		t.Fatalf("mirror must carry the same hash")
	}

	// The mirrored namespace also blocks re-registration.
	if _, err := resolver.Register(ctx, "Eve", "ada@x.com", "other", model.RoleSchoolAdmin, "legacy_admins"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestRegisterUnknownStore(t *testing.T) {
	resolver := newTestResolver(identitytest.NewMemStore())
	if _, err := resolver.Register(context.Background(), "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "nope"); !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("expected ErrUnknownStore, got %v", err)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	if _, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, ""); err != nil {
		t.Fatalf("register error: %v", err)
	}

	// Unknown email and wrong password fail identically.
	if _, err := resolver.Login(ctx, "ghost@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := resolver.Login(ctx, "ada@x.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if err := resolver.SetActive(ctx, registered.ID, false); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}

	if _, err := resolver.Login(ctx, "ada@x.com", "secret1"); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestLegacyMaterialization(t *testing.T) {
	ctx := context.Background()
	legacy := identitytest.NewMemLegacy("legacy_admins", model.RoleSchoolAdmin)
	seedLegacy(t, legacy, "Bea", "b@y.com", "legacy-pass", false)
	resolver := newTestResolver(identitytest.NewMemStore(), legacy)

	first, err := resolver.Login(ctx, "b@y.com", "legacy-pass")
	if err != nil {
		t.Fatalf("first login error: %v", err)
	}
	if first.Role != model.RoleSchoolAdmin || first.Name != "Bea" || !first.IsActive {
		t.Fatalf("unexpected materialized identity: %+v", first)
	}

	// The second login hits the canonical record with the same plaintext.
	second, err := resolver.Login(ctx, "b@y.com", "legacy-pass")
	if err != nil {
		t.Fatalf("second login error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected one canonical identity, got %s and %s", first.ID, second.ID)
	}
}

func TestLegacyProbeOrderIsDeterministic(t *testing.T) {
	ctx := context.Background()
	storeA := identitytest.NewMemLegacy("store_a", model.RoleSuperAdmin)
	storeB := identitytest.NewMemLegacy("store_b", model.RoleSchoolAdmin)
	seedLegacy(t, storeA, "A-side", "dup@x.com", "password-a", false)
	seedLegacy(t, storeB, "B-side", "dup@x.com", "password-b", false)
	resolver := newTestResolver(identitytest.NewMemStore(), storeA, storeB)

	// password-a matches store A first: A wins and fixes name and role.
	identity, err := resolver.Login(ctx, "dup@x.com", "password-a")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if identity.Name != "A-side" || identity.Role != model.RoleSuperAdmin {
		t.Fatalf("expected store_a to win, got %+v", identity)
	}
}

func TestLegacyProbeSkipsNonVerifyingStore(t *testing.T) {
	ctx := context.Background()
	storeA := identitytest.NewMemLegacy("store_a", model.RoleSuperAdmin)
	storeB := identitytest.NewMemLegacy("store_b", model.RoleSchoolAdmin)
	seedLegacy(t, storeA, "A-side", "dup@x.com", "password-a", false)
	seedLegacy(t, storeB, "B-side", "dup@x.com", "password-b", false)
	resolver := newTestResolver(identitytest.NewMemStore(), storeA, storeB)

	// password-b does not verify in store A, so the probe moves on to B.
	identity, err := resolver.Login(ctx, "dup@x.com", "password-b")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if identity.Name != "B-side" || identity.Role != model.RoleSchoolAdmin {
		t.Fatalf("expected store_b to win, got %+v", identity)
	}
}

func TestLegacySoftDeletedSkipped(t *testing.T) {
	ctx := context.Background()
	legacy := identitytest.NewMemLegacy("legacy_admins", model.RoleSchoolAdmin)
	seedLegacy(t, legacy, "Gone", "gone@x.com", "secret1", true)
	resolver := newTestResolver(identitytest.NewMemStore(), legacy)

	if _, err := resolver.Login(ctx, "gone@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for soft-deleted record, got %v", err)
	}
}

func TestConcurrentMaterializationConverges(t *testing.T) {
	ctx := context.Background()
	legacy := identitytest.NewMemLegacy("legacy_admins", model.RoleSchoolAdmin)
	seedLegacy(t, legacy, "Bea", "b@y.com", "legacy-pass", false)
	resolver := newTestResolver(identitytest.NewMemStore(), legacy)

	const attempts = 8
	ids := make([]string, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity, err := resolver.Login(ctx, "b@y.com", "legacy-pass")
			ids[i], errs[i] = identity.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		if errs[i] != nil {
			t.Fatalf("login %d error: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected one canonical identity, got %s and %s", ids[0], ids[i])
		}
	}
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	pair, err := resolver.StartSession(ctx, registered.ID)
	if err != nil {
		t.Fatalf("session error: %v", err)
	}

	_, rotated, err := resolver.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}

	// Replaying the pre-rotation token is a forced logout.
	if _, _, err := resolver.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrStaleRefresh) {
		t.Fatalf("expected ErrStaleRefresh, got %v", err)
	}

	// The rotated token still works.
	if _, _, err := resolver.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("rotated refresh error: %v", err)
	}
}

func TestRefreshAfterLogout(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	pair, err := resolver.StartSession(ctx, registered.ID)
	if err != nil {
		t.Fatalf("session error: %v", err)
	}
	if err := resolver.Logout(ctx, registered.ID); err != nil {
		t.Fatalf("logout error: %v", err)
	}

	if _, _, err := resolver.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrStaleRefresh) {
		t.Fatalf("expected ErrStaleRefresh after logout, got %v", err)
	}
}

func TestRefreshMalformedToken(t *testing.T) {
	resolver := newTestResolver(identitytest.NewMemStore())
	if _, _, err := resolver.Refresh(context.Background(), "not-a-token"); !errors.Is(err, token.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOnboardIsOneShot(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}

	onboarded, err := resolver.Onboard(ctx, registered.ID, "Acme")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if onboarded.TenantID == nil {
		t.Fatalf("expected tenantId to be set")
	}
	if onboarded.Role != model.RoleSchoolAdmin {
		t.Fatalf("role must not change on onboarding")
	}

	if _, err := resolver.Onboard(ctx, registered.ID, "Acme Again"); !errors.Is(err, ErrAlreadyOnboarded) {
		t.Fatalf("expected ErrAlreadyOnboarded, got %v", err)
	}

	// A super-admin tenant reset re-opens onboarding.
	if err := resolver.ResetTenant(ctx, registered.ID); err != nil {
		t.Fatalf("reset error: %v", err)
	}
	if _, err := resolver.Onboard(ctx, registered.ID, "Fresh Start"); err != nil {
		t.Fatalf("onboard after reset error: %v", err)
	}
}

func TestOnboardRejectionLeavesNoTenant(t *testing.T) {
	ctx := context.Background()
	store := identitytest.NewMemStore()
	resolver := newTestResolver(store)

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if _, err := resolver.Onboard(ctx, registered.ID, "Acme"); err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if _, err := resolver.Onboard(ctx, registered.ID, "Acme Again"); !errors.Is(err, ErrAlreadyOnboarded) {
		t.Fatalf("expected ErrAlreadyOnboarded, got %v", err)
	}

	// The rejected call must not leave a phantom school behind.
	tenants, err := store.ListTenants(ctx, "", 10)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(tenants) != 1 {
		t.Fatalf("expected 1 tenant after rejected onboarding, got %d", len(tenants))
	}
	if tenants[0].Name != "Acme" {
		t.Fatalf("expected the bound tenant to survive, got %q", tenants[0].Name)
	}
}

// brokenLegacy accepts lookups but fails every write.
type brokenLegacy struct {
	*identitytest.MemLegacy
}

func (b *brokenLegacy) Create(context.Context, model.LegacyRecord) error {
	return errors.New("legacy store down")
}

func TestRegisterMirrorFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := identitytest.NewMemStore()
	broken := &brokenLegacy{identitytest.NewMemLegacy("legacy_admins", model.RoleSchoolAdmin)}
	resolver := newTestResolver(store, broken)

	if _, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "legacy_admins"); err == nil {
		t.Fatalf("expected register to fail on mirror write")
	}

	// The canonical row must not survive the failed mirror: the email stays
	// free and the credentials do not authenticate.
	if _, err := resolver.Login(ctx, "ada@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials after rollback, got %v", err)
	}
	if _, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, ""); err != nil {
		t.Fatalf("expected retry without mirror to succeed, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	resolver := newTestResolver(identitytest.NewMemStore())

	registered, err := resolver.Register(ctx, "Ada", "ada@x.com", "secret1", model.RoleSchoolAdmin, "")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	pair, err := resolver.StartSession(ctx, registered.ID)
	if err != nil {
		t.Fatalf("session error: %v", err)
	}

	if err := resolver.ChangePassword(ctx, registered.ID, "wrong", "secret2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := resolver.ChangePassword(ctx, registered.ID, "secret1", "secret2"); err != nil {
		t.Fatalf("change password error: %v", err)
	}

	if _, err := resolver.Login(ctx, "ada@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := resolver.Login(ctx, "ada@x.com", "secret2"); err != nil {
		t.Fatalf("new password login error: %v", err)
	}

	// Password change also drops the live refresh token.
	if _, _, err := resolver.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrStaleRefresh) {
		t.Fatalf("expected ErrStaleRefresh after password change, got %v", err)
	}
}

func TestSuperAdminEnvMirrorLogin(t *testing.T) {
	ctx := context.Background()
	issuer := token.NewIssuer("access-secret", "refresh-secret", "test-issuer", 15*time.Minute, 24*time.Hour)
	resolver := NewResolver(identitytest.NewMemStore(), nil, issuer, "Root@X.com", "root-pass")

	first, err := resolver.Login(ctx, "root@x.com", "root-pass")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if first.Role != model.RoleSuperAdmin {
		t.Fatalf("expected super_admin, got %s", first.Role)
	}

	// Every login upserts the same record rather than creating another.
	second, err := resolver.Login(ctx, "root@x.com", "root-pass")
	if err != nil {
		t.Fatalf("second login error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable identity, got %s and %s", first.ID, second.ID)
	}

	if _, err := resolver.Login(ctx, "root@x.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
