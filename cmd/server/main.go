package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botica/backend/internal/cache"
	"botica/backend/internal/config"
	"botica/backend/internal/domain"
	"botica/backend/internal/httpapi"
	"botica/backend/internal/service"
	"botica/backend/internal/store"
	"botica/backend/internal/store/memory"
	pgstore "botica/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
		seedUsers(ctx, repo)
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	catalogCache := cache.CatalogCache(cache.NoopCatalogCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			catalogCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	svc := service.New(repo, catalogCache, cfg.CacheTTLSeconds)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("pharmacy backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// seedUsers creates the initial admin and cashier accounts when the users
// table is empty. Passwords are stored as provided; the auth manager hashes
// them on its first bootstrap pass.
func seedUsers(ctx context.Context, repo store.Repository) {
	users, err := repo.ListUsers(ctx)
	if err != nil || len(users) > 0 {
		return
	}

	adminPassword := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin123"
		log.Println("WARN: SEED_ADMIN_PASSWORD not set, using default seed password; change it before production use")
	}
	cashierPassword := os.Getenv("SEED_CAJERO_PASSWORD")
	if cashierPassword == "" {
		cashierPassword = "cajero123"
		log.Println("WARN: SEED_CAJERO_PASSWORD not set, using default seed password; change it before production use")
	}

	now := time.Now().UTC()
	seeds := []domain.User{
		{Name: "Administrador", Username: "admin", Password: adminPassword, Role: domain.RoleAdmin, Active: true, CreatedAt: now},
		{Name: "Cajero Principal", Username: "cajero", Password: cashierPassword, Role: domain.RoleCashier, Active: true, CreatedAt: now},
	}
	for _, user := range seeds {
		if _, err := repo.CreateUser(ctx, user); err != nil {
			log.Printf("WARN: failed to seed user %s: %v", user.Username, err)
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
