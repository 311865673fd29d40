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

	"github.com/joho/godotenv"

	"tawarin/backend/internal/analytics"
	"tawarin/backend/internal/cache"
	"tawarin/backend/internal/config"
	"tawarin/backend/internal/engine"
	"tawarin/backend/internal/httpapi"
	"tawarin/backend/internal/service"
	"tawarin/backend/internal/store"
	"tawarin/backend/internal/store/memory"
	pgstore "tawarin/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}

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
			log.Fatalf("schema setup failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	policyCache := cache.PolicyCache(cache.NoopPolicyCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPolicyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			policyCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("policy cache: redis")
		}
	} else {
		log.Println("policy cache: noop")
	}

	eng := engine.New(cfg.CostRatio, cfg.MinMarginPct, cfg.TargetMarginPct, time.Now().UnixNano())
	svc := service.New(repo, eng, policyCache,
		time.Duration(cfg.PolicyCacheTTLSeconds)*time.Second,
		time.Duration(cfg.SessionTTLMinutes)*time.Minute,
		nil)
	agg := analytics.New(repo)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, agg, auth, cfg.AllowedOrigin)

	runCtx, stopBackground := context.WithCancel(context.Background())
	go svc.RunSweeper(runCtx,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.AbandonAfterMinutes)*time.Minute)
	go agg.RunDaily(runCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("negotiation backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopBackground()

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

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
