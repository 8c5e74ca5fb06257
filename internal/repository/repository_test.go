package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoolyard/auth-core/internal/db"
	"schoolyard/auth-core/internal/model"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("AUTH_CORE_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("AUTH_CORE_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	t.Cleanup(pool.Close)
	return pool
}

func newIdentity(email string) model.Identity {
	now := time.Now().UTC()
	return model.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         "Test",
		PasswordHash: "$2a$10$fakehashfakehashfakehashfakehashfakehashfakehash",
		Role:         model.RoleSchoolAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateIdentityDuplicateEmail(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	email := uuid.NewString() + "@test.local"
	if err := store.CreateIdentity(ctx, newIdentity(email)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := store.CreateIdentity(ctx, newIdentity(email))
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestSwapRefreshTokenCAS(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	identity := newIdentity(uuid.NewString() + "@test.local")
	if err := store.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now().UTC()
	first := "refresh-one"
	if err := store.SetRefreshToken(ctx, identity.ID, &first, now); err != nil {
		t.Fatalf("set refresh: %v", err)
	}

	swapped, err := store.SwapRefreshToken(ctx, identity.ID, first, "refresh-two", now)
	if err != nil || !swapped {
		t.Fatalf("expected swap to win, got swapped=%v err=%v", swapped, err)
	}

	// The same old value must not swap twice.
	swapped, err = store.SwapRefreshToken(ctx, identity.ID, first, "refresh-three", now)
	if err != nil {
		t.Fatalf("swap error: %v", err)
	}
	if swapped {
		t.Fatalf("expected replayed swap to lose")
	}
}

func TestSetTenantOnce(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	identity := newIdentity(uuid.NewString() + "@test.local")
	if err := store.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now().UTC()
	tenant := model.Tenant{ID: uuid.NewString(), Name: "Test School", Status: model.TenantStatusActive, CreatedAt: now}
	if err := store.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("tenant insert: %v", err)
	}

	bound, err := store.SetTenantOnce(ctx, identity.ID, tenant.ID, now)
	if err != nil || !bound {
		t.Fatalf("expected first bind to win, got bound=%v err=%v", bound, err)
	}
	bound, err = store.SetTenantOnce(ctx, identity.ID, uuid.NewString(), now)
	if err != nil {
		t.Fatalf("rebind error: %v", err)
	}
	if bound {
		t.Fatalf("expected second bind to lose")
	}

	// Reset reopens the one-shot bind.
	if err := store.ResetTenant(ctx, identity.ID, now); err != nil {
		t.Fatalf("reset error: %v", err)
	}
	bound, err = store.SetTenantOnce(ctx, identity.ID, tenant.ID, now)
	if err != nil || !bound {
		t.Fatalf("expected bind after reset, got bound=%v err=%v", bound, err)
	}
}

func TestDeactivateClearsRefreshToken(t *testing.T) {
	pool := openTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	identity := newIdentity(uuid.NewString() + "@test.local")
	if err := store.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("insert: %v", err)
	}
	now := time.Now().UTC()
	tokenValue := "refresh-active"
	if err := store.SetRefreshToken(ctx, identity.ID, &tokenValue, now); err != nil {
		t.Fatalf("set refresh: %v", err)
	}

	if err := store.SetActive(ctx, identity.ID, false, now); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	loaded, err := store.GetIdentityByID(ctx, identity.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.IsActive || loaded.RefreshToken != nil {
		t.Fatalf("expected inactive identity without refresh token, got %+v", loaded)
	}
}

func TestValidLegacyTable(t *testing.T) {
	valid := []string{"legacy_school_admins", "admins", "t_2024"}
	for _, table := range valid {
		if !ValidLegacyTable(table) {
			t.Errorf("expected %q to be valid", table)
		}
	}
	invalid := []string{"", "Admins", "drop;table", "1table", "a-b"}
	for _, table := range invalid {
		if ValidLegacyTable(table) {
			t.Errorf("expected %q to be rejected", table)
		}
	}
}
