package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoolyard/auth-core/internal/model"
)

var ErrNotFound = pgx.ErrNoRows

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const identityColumns = `id, email, name, password_hash, role, tenant_id, is_active, refresh_token, last_login_at, created_at, updated_at`

func scanIdentity(row pgx.Row) (model.Identity, error) {
	var identity model.Identity
	err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.Name,
		&identity.PasswordHash,
		&identity.Role,
		&identity.TenantID,
		&identity.IsActive,
		&identity.RefreshToken,
		&identity.LastLoginAt,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	return identity, err
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (model.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE email = $1
	`, email)
	return scanIdentity(row)
}

func (s *Store) GetIdentityByID(ctx context.Context, identityID string) (model.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE id = $1
	`, identityID)
	return scanIdentity(row)
}

// CreateIdentity inserts the canonical record. A unique violation on email
// surfaces unwrapped so callers can treat it as "already materialized".
func (s *Store) CreateIdentity(ctx context.Context, identity model.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (id, email, name, password_hash, role, tenant_id, is_active, refresh_token, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		identity.ID,
		identity.Email,
		identity.Name,
		identity.PasswordHash,
		identity.Role,
		identity.TenantID,
		identity.IsActive,
		identity.RefreshToken,
		identity.LastLoginAt,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	return err
}

// UpsertIdentityByEmail re-hashes and overwrites on every call. Only the
// env-mirrored super admin login path uses this.
func (s *Store) UpsertIdentityByEmail(ctx context.Context, identity model.Identity) (model.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO identities (id, email, name, password_hash, role, tenant_id, is_active, refresh_token, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (email) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
		    role = EXCLUDED.role,
		    is_active = true,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+identityColumns+`
	`,
		identity.ID,
		identity.Email,
		identity.Name,
		identity.PasswordHash,
		identity.Role,
		identity.TenantID,
		identity.IsActive,
		identity.RefreshToken,
		identity.LastLoginAt,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	return scanIdentity(row)
}

func (s *Store) UpdateLastLogin(ctx context.Context, identityID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET last_login_at = $1, updated_at = $1 WHERE id = $2
	`, at, identityID)
	return err
}

func (s *Store) SetRefreshToken(ctx context.Context, identityID string, refreshToken *string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET refresh_token = $1, updated_at = $2 WHERE id = $3
	`, refreshToken, at, identityID)
	return err
}

// SwapRefreshToken atomically replaces the stored refresh token only while
// it still equals current. Returns false when another rotation won the race
// or the token was already cleared.
func (s *Store) SwapRefreshToken(ctx context.Context, identityID, current, next string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities
		SET refresh_token = $1, updated_at = $2
		WHERE id = $3 AND refresh_token = $4
	`, next, at, identityID, current)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdatePassword(ctx context.Context, identityID, passwordHash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET password_hash = $1, refresh_token = NULL, updated_at = $2 WHERE id = $3
	`, passwordHash, at, identityID)
	return err
}

// SetTenantOnce binds the identity to a tenant only if none is set yet.
func (s *Store) SetTenantOnce(ctx context.Context, identityID, tenantID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities
		SET tenant_id = $1, updated_at = $2
		WHERE id = $3 AND tenant_id IS NULL
	`, tenantID, at, identityID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ResetTenant(ctx context.Context, identityID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET tenant_id = NULL, updated_at = $1 WHERE id = $2
	`, at, identityID)
	return err
}

func (s *Store) SetActive(ctx context.Context, identityID string, active bool, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET is_active = $1, refresh_token = CASE WHEN $1 THEN refresh_token ELSE NULL END, updated_at = $2 WHERE id = $3
	`, active, at, identityID)
	return err
}

// DeleteIdentity removes the canonical record. Used to compensate a failed
// legacy mirror write during registration.
func (s *Store) DeleteIdentity(ctx context.Context, identityID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM identities WHERE id = $1
	`, identityID)
	return err
}

func (s *Store) CreateTenant(ctx context.Context, tenant model.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, status, created_at)
		VALUES ($1, $2, $3, $4)
	`, tenant.ID, tenant.Name, tenant.Status, tenant.CreatedAt)
	return err
}

// DeleteTenant removes a tenant row that lost the one-shot onboarding bind.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM tenants WHERE id = $1
	`, tenantID)
	return err
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	var tenant model.Tenant
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, created_at FROM tenants WHERE id = $1
	`, tenantID)
	err := row.Scan(&tenant.ID, &tenant.Name, &tenant.Status, &tenant.CreatedAt)
	return tenant, err
}

// ListTenants applies the policy's tenant filter: empty means unbounded.
func (s *Store) ListTenants(ctx context.Context, tenantFilter string, limit int) ([]model.Tenant, error) {
	query := `SELECT id, name, status, created_at FROM tenants ORDER BY created_at DESC LIMIT $1`
	args := []interface{}{limit}
	if tenantFilter != "" {
		query = `SELECT id, name, status, created_at FROM tenants WHERE id = $2 ORDER BY created_at DESC LIMIT $1`
		args = append(args, tenantFilter)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]model.Tenant, 0)
	for rows.Next() {
		var tenant model.Tenant
		if err := rows.Scan(&tenant.ID, &tenant.Name, &tenant.Status, &tenant.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

var legacyTablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidLegacyTable reports whether table is safe to splice into SQL as an
// identifier. Legacy namespaces come from configuration, not user input, but
// the names still pass through here before interpolation.
func ValidLegacyTable(table string) bool {
	return legacyTablePattern.MatchString(table)
}

func (s *Store) LookupLegacy(ctx context.Context, table, email string) (model.LegacyRecord, error) {
	if !ValidLegacyTable(table) {
		return model.LegacyRecord{}, fmt.Errorf("invalid legacy table %q", table)
	}
	var record model.LegacyRecord
	row := s.pool.QueryRow(ctx, `
		SELECT name, email, password_hash, is_deleted
		FROM `+table+`
		WHERE email = $1
	`, email)
	err := row.Scan(&record.Name, &record.Email, &record.PasswordHash, &record.IsDeleted)
	return record, err
}

// CreateLegacy mirrors a registration into a legacy namespace so systems
// still reading that table directly keep authenticating the account.
func (s *Store) CreateLegacy(ctx context.Context, table string, record model.LegacyRecord) error {
	if !ValidLegacyTable(table) {
		return fmt.Errorf("invalid legacy table %q", table)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+table+` (name, email, password_hash, is_deleted)
		VALUES ($1, $2, $3, $4)
	`, record.Name, record.Email, record.PasswordHash, record.IsDeleted)
	return err
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
