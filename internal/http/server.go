package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolyard/auth-core/internal/authz"
	"schoolyard/auth-core/internal/cache"
	"schoolyard/auth-core/internal/config"
	"schoolyard/auth-core/internal/identity"
	"schoolyard/auth-core/internal/model"
	"schoolyard/auth-core/internal/token"
)

type Server struct {
	cfg      config.Config
	store    identity.Store
	resolver *identity.Resolver
	tokens   *token.Issuer
	policy   authz.Policy
	cache    *cache.IdentityCache
}

func NewServer(cfg config.Config, store identity.Store, resolver *identity.Resolver, tokens *token.Issuer, identityCache *cache.IdentityCache) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		tokens:   tokens,
		policy:   authz.Policy{SchoolAdminFullAccess: cfg.SchoolAdminFull},
		cache:    identityCache,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.timeoutMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)
	r.With(s.authMiddleware).Post("/auth/password", s.handleChangePassword)

	r.With(s.authMiddleware).Post("/onboarding", s.handleOnboarding)

	r.With(s.authMiddleware).Get("/schools", s.handleListSchools)
	r.With(s.authMiddleware).Get("/schools/{schoolId}", s.handleGetSchool)

	r.With(s.authMiddleware, s.requireSuperAdmin).Patch("/identities/{identityId}", s.handlePatchIdentity)

	return r
}

type identitySummary struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	TenantID    *string `json:"tenantId,omitempty"`
	IsActive    bool    `json:"isActive"`
	LastLoginAt *int64  `json:"lastLoginAt,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
}

func mapIdentity(identity model.Identity) identitySummary {
	summary := identitySummary{
		ID:        identity.ID,
		Email:     identity.Email,
		Name:      identity.Name,
		Role:      string(identity.Role),
		TenantID:  identity.TenantID,
		IsActive:  identity.IsActive,
		CreatedAt: identity.CreatedAt.Unix(),
	}
	if identity.LastLoginAt != nil {
		lastLogin := identity.LastLoginAt.Unix()
		summary.LastLoginAt = &lastLogin
	}
	return summary
}

type authResponse struct {
	Identity     identitySummary `json:"identity"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    int64           `json:"expiresAt"`
}

type registerRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Role        string `json:"role,omitempty"`
	TargetStore string `json:"targetStore,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = identity.NormalizeEmail(req.Email)
	fields := map[string]string{}
	if req.Name == "" {
		fields["name"] = "required"
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		fields["email"] = "invalid"
	}
	if len(req.Password) < 8 {
		fields["password"] = "too short"
	}
	role := model.Role(strings.TrimSpace(strings.ToLower(req.Role)))
	if role == "" {
		role = model.RoleSchoolAdmin
	}
	if !role.Valid() {
		fields["role"] = "unknown"
	}
	if len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}

	registered, err := s.resolver.Register(r.Context(), req.Name, req.Email, req.Password, role, req.TargetStore)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	pair, err := s.resolver.StartSession(r.Context(), registered.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		Identity:     mapIdentity(registered),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt.Unix(),
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	resolved, err := s.resolver.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	pair, err := s.resolver.StartSession(r.Context(), resolved.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), resolved.ID)

	writeJSON(w, http.StatusOK, authResponse{
		Identity:     mapIdentity(resolved),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt.Unix(),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "missing_refresh_token")
		return
	}

	_, pair, err := s.resolver.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt.Unix(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authed := identityFromContext(r.Context())
	if authed == nil {
		writeError(w, http.StatusUnauthorized, "no_identity")
		return
	}

	if err := s.resolver.Logout(r.Context(), authed.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), authed.ID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	authed := identityFromContext(r.Context())
	if authed == nil {
		writeError(w, http.StatusUnauthorized, "no_identity")
		return
	}
	writeJSON(w, http.StatusOK, mapIdentity(*authed))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	authed := identityFromContext(r.Context())
	if authed == nil {
		writeError(w, http.StatusUnauthorized, "no_identity")
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.NewPassword) < 8 {
		writeValidationError(w, map[string]string{"newPassword": "too short"})
		return
	}

	if err := s.resolver.ChangePassword(r.Context(), authed.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), authed.ID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type onboardingRequest struct {
	SchoolName string `json:"schoolName"`
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	authed := identityFromContext(r.Context())
	if authed == nil {
		writeError(w, http.StatusUnauthorized, "no_identity")
		return
	}

	var req onboardingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.SchoolName = strings.TrimSpace(req.SchoolName)
	if req.SchoolName == "" {
		writeValidationError(w, map[string]string{"schoolName": "required"})
		return
	}

	onboarded, err := s.resolver.Onboard(r.Context(), authed.ID, req.SchoolName)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), authed.ID)

	writeJSON(w, http.StatusOK, map[string]interface{}{"identity": mapIdentity(onboarded)})
}

type schoolSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

func mapSchool(tenant model.Tenant) schoolSummary {
	return schoolSummary{
		ID:        tenant.ID,
		Name:      tenant.Name,
		Status:    tenant.Status,
		CreatedAt: tenant.CreatedAt.Unix(),
	}
}

func (s *Server) handleListSchools(w http.ResponseWriter, r *http.Request) {
	authed := identityFromContext(r.Context())

	decision, err := s.policy.Decide(authed, authz.ActionView, "")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	tenants, err := s.store.ListTenants(r.Context(), decision.TenantFilter, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := make([]schoolSummary, 0, len(tenants))
	for _, tenant := range tenants {
		resp = append(resp, mapSchool(tenant))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSchool(w http.ResponseWriter, r *http.Request) {
	authed := identityFromContext(r.Context())
	schoolID := chi.URLParam(r, "schoolId")
	if schoolID == "" {
		writeError(w, http.StatusBadRequest, "missing_school_id")
		return
	}

	if _, err := s.policy.Decide(authed, authz.ActionView, schoolID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	tenant, err := s.store.GetTenant(r.Context(), schoolID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "school_not_found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mapSchool(tenant))
}

type patchIdentityRequest struct {
	IsActive    *bool `json:"isActive,omitempty"`
	ResetTenant *bool `json:"resetTenant,omitempty"`
}

func (s *Server) handlePatchIdentity(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityId")
	if identityID == "" {
		writeError(w, http.StatusBadRequest, "missing_identity_id")
		return
	}

	var req patchIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if _, err := s.store.GetIdentityByID(r.Context(), identityID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "identity_not_found")
			return
		}
		s.writeDomainError(w, err)
		return
	}

	if req.IsActive != nil {
		if err := s.resolver.SetActive(r.Context(), identityID, *req.IsActive); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	if req.ResetTenant != nil && *req.ResetTenant {
		if err := s.resolver.ResetTenant(r.Context(), identityID); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	s.cache.Invalidate(r.Context(), identityID)

	updated, err := s.store.GetIdentityByID(r.Context(), identityID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapIdentity(updated))
}

// Middleware

type identityKey struct{}

// authMiddleware is the request gate: verify the access credential, load
// the current identity (cache-aside), require it to still be active, and
// thread it through the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "no_credential")
			return
		}

		identityID, err := s.tokens.VerifyAccessToken(raw)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}

		authed, err := s.loadIdentity(r.Context(), identityID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, authed)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loadIdentity(ctx context.Context, identityID string) (*model.Identity, error) {
	if cached, ok := s.cache.Get(ctx, identityID); ok {
		if !cached.IsActive {
			return nil, identity.ErrIdentityGone
		}
		return &cached, nil
	}

	loaded, err := s.store.GetIdentityByID(ctx, identityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrIdentityGone
	}
	if err != nil {
		return nil, err
	}
	if !loaded.IsActive {
		return nil, identity.ErrIdentityGone
	}

	s.cache.Set(ctx, loaded)
	return &loaded, nil
}

func (s *Server) requireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed := identityFromContext(r.Context())
		if authed == nil || authed.Role != model.RoleSuperAdmin {
			writeError(w, http.StatusForbidden, "role_insufficient")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds every request, and with it every store lookup,
// so a stalled store fails the call instead of hanging the caller.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) *model.Identity {
	value := ctx.Value(identityKey{})
	authed, _ := value.(*model.Identity)
	return authed
}

// Helpers

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, identity.ErrInactive):
		writeError(w, http.StatusForbidden, "inactive_account")
	case errors.Is(err, identity.ErrEmailTaken):
		writeError(w, http.StatusBadRequest, "email_taken")
	case errors.Is(err, identity.ErrUnknownStore):
		writeError(w, http.StatusBadRequest, "unknown_store")
	case errors.Is(err, identity.ErrStaleRefresh):
		writeError(w, http.StatusUnauthorized, "stale_refresh_token")
	case errors.Is(err, identity.ErrIdentityGone):
		writeError(w, http.StatusUnauthorized, "identity_gone")
	case errors.Is(err, identity.ErrAlreadyOnboarded):
		writeError(w, http.StatusConflict, "already_onboarded")
	case errors.Is(err, token.ErrExpired):
		writeError(w, http.StatusUnauthorized, "token_expired")
	case errors.Is(err, token.ErrMalformed):
		writeError(w, http.StatusUnauthorized, "token_malformed")
	case errors.Is(err, authz.ErrNoIdentity):
		writeError(w, http.StatusUnauthorized, "no_identity")
	case errors.Is(err, authz.ErrWrongTenant):
		writeError(w, http.StatusForbidden, "wrong_tenant")
	case errors.Is(err, authz.ErrRoleInsufficient):
		writeError(w, http.StatusForbidden, "role_insufficient")
	case isStoreUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

// isStoreUnavailable classifies transient store failures the caller may
// retry with backoff.
func isStoreUnavailable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

const maxListLimit = 100

// parseLimit reads a page size, clamped to maxListLimit so no caller can
// request an unbounded list. Absent or unparsable values get the maximum.
func parseLimit(raw string) int {
	if raw == "" {
		return maxListLimit
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 || parsed > maxListLimit {
		return maxListLimit
	}
	return parsed
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeValidationError(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":  "validation_failed",
		"fields": fields,
	})
}
