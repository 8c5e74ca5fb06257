package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"schoolyard/auth-core/internal/model"
)

const keyPrefix = "authcore:identity:"

// IdentityCache is a TTL-bounded read-through cache in front of the
// canonical identity load the request gate performs on every call. Secrets
// (password hash, refresh token) are never written to redis, so the refresh
// path must always go to the store. A nil cache is a no-op.
type IdentityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *IdentityCache {
	if client == nil {
		return nil
	}
	return &IdentityCache{client: client, ttl: ttl}
}

type cachedIdentity struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        model.Role `json:"role"`
	TenantID    *string    `json:"tenantId,omitempty"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Get returns the cached identity, or false on miss or any redis error.
func (c *IdentityCache) Get(ctx context.Context, identityID string) (model.Identity, bool) {
	if c == nil {
		return model.Identity{}, false
	}
	raw, err := c.client.Get(ctx, keyPrefix+identityID).Bytes()
	if err != nil {
		return model.Identity{}, false
	}
	var cached cachedIdentity
	if err := json.Unmarshal(raw, &cached); err != nil {
		return model.Identity{}, false
	}
	return model.Identity{
		ID:          cached.ID,
		Email:       cached.Email,
		Name:        cached.Name,
		Role:        cached.Role,
		TenantID:    cached.TenantID,
		IsActive:    cached.IsActive,
		LastLoginAt: cached.LastLoginAt,
		CreatedAt:   cached.CreatedAt,
		UpdatedAt:   cached.UpdatedAt,
	}, true
}

func (c *IdentityCache) Set(ctx context.Context, identity model.Identity) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(cachedIdentity{
		ID:          identity.ID,
		Email:       identity.Email,
		Name:        identity.Name,
		Role:        identity.Role,
		TenantID:    identity.TenantID,
		IsActive:    identity.IsActive,
		LastLoginAt: identity.LastLoginAt,
		CreatedAt:   identity.CreatedAt,
		UpdatedAt:   identity.UpdatedAt,
	})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, keyPrefix+identity.ID, raw, c.ttl).Err()
}

// Invalidate drops the entry. Called after every identity mutation so
// revocation and deactivation are observed immediately on this node.
func (c *IdentityCache) Invalidate(ctx context.Context, identityID string) {
	if c == nil {
		return
	}
	_ = c.client.Del(ctx, keyPrefix+identityID).Err()
}
