package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"schoolyard/auth-core/internal/cache"
	"schoolyard/auth-core/internal/config"
	"schoolyard/auth-core/internal/db"
	internalhttp "schoolyard/auth-core/internal/http"
	"schoolyard/auth-core/internal/identity"
	"schoolyard/auth-core/internal/repository"
	"schoolyard/auth-core/internal/token"
)

func main() {
	cfg := config.Load()

	if cfg.AccessTokenSecret == "" || cfg.RefreshTokenSecret == "" {
		log.Fatal("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := repository.NewStore(pool)

	var identityCache *cache.IdentityCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		identityCache = cache.New(redisClient, cfg.IdentityCacheTTL)
	}

	legacy := make([]identity.LegacyProvider, 0, len(cfg.LegacyStores))
	for _, ls := range cfg.LegacyStores {
		legacy = append(legacy, identity.NewLegacyTable(store, ls.Table, ls.Role))
	}

	issuer := token.NewIssuer(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	resolver := identity.NewResolver(store, legacy, issuer, cfg.SuperAdminEmail, cfg.SuperAdminPassword)
	server := internalhttp.NewServer(cfg, store, resolver, issuer, identityCache)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("auth-core listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
