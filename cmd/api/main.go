package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zamok.org/internal/auth"
	"zamok.org/internal/config"
	"zamok.org/internal/httpapi"
	"zamok.org/internal/obs"
	"zamok.org/internal/store/pg"
	"zamok.org/internal/store/redis"
	"zamok.org/internal/stream"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := config.Load()
	if cfg.AuthSecret == "" {
		log.Fatal("ZAMOK_AUTH_SECRET is required")
	}

	// Хранилище: Postgres при заданном DSN, иначе in-memory (dev-режим).
	var (
		store      auth.Store
		readyProbe httpapi.ReadyProbe
		closers    []func() error
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		closers = append(closers, pgStore.Close)
		store = pgStore
		readyProbe = httpapi.ReadyProbe{Check: pgStore.Ping}
	} else {
		log.Print("ZAMOK_PG_DSN not set, using in-memory store")
		store = auth.NewMemoryStore()
	}

	// Redis берёт на себя только горячие ключи: blacklist и refresh-токены.
	if cfg.RedisAddr != "" {
		rdb := redis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RevokeNamespace)
		closers = append(closers, rdb.Close)
		store = &redis.Overlay{Base: store, Client: rdb}

		base := readyProbe.Check
		readyProbe = httpapi.ReadyProbe{Check: func(ctx context.Context) error {
			if base != nil {
				if err := base(ctx); err != nil {
					return err
				}
			}
			return rdb.Ping(ctx)
		}}
	}

	hub := stream.New()

	svc, err := auth.NewService(store, []byte(cfg.AuthSecret),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutDuration),
		auth.WithEventRetention(cfg.EventRetention),
		auth.WithEventSink(func(e auth.SecurityEvent) {
			if e.Type == auth.EventAccountLocked {
				obs.ObserveLockout()
			}
			hub.Publish(stream.FromSecurityEvent(e))
		}),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := svc.EnsureBuiltin(ctx); err != nil {
		cancel()
		log.Fatalf("seed builtin roles: %v", err)
	}
	admin := auth.NewAdminService(store)
	if err := bootstrapAdmin(ctx, admin, cfg); err != nil {
		cancel()
		log.Fatalf("bootstrap admin: %v", err)
	}
	cancel()

	// Фоновая уборка: протухшие refresh-токены, blacklist, старые события.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runSweeper(sweepCtx, svc, cfg.SweepInterval)

	api := httpapi.New(readyProbe, version, svc, admin, hub,
		httpapi.WithRateLimit(cfg.RateRPS, cfg.RateBurst),
		httpapi.WithLoginRate(cfg.LoginRPM),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting zamok-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	_ = srv.Shutdown(shutdownCtx)
	for _, closeFn := range closers {
		_ = closeFn()
	}
	log.Println("Stopped")
}

// bootstrapAdmin creates the initial administrator when configured. An
// existing account with the same email is left untouched.
func bootstrapAdmin(ctx context.Context, admin *auth.AdminService, cfg config.Config) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}
	_, err := admin.CreateUser(ctx, auth.CreateUserInput{
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
		Roles:    []string{auth.RoleAdmin},
	})
	if errors.Is(err, auth.ErrAlreadyExists) {
		return nil
	}
	return err
}

func runSweeper(ctx context.Context, svc *auth.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			res, err := svc.SweepExpired(sweepCtx)
			cancel()
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			obs.ObserveSwept("refresh_tokens", res.RefreshTokens)
			obs.ObserveSwept("revocations", res.Revocations)
			obs.ObserveSwept("events", res.Events)
		}
	}
}
