package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"gatekit.org/internal/auth"
	"gatekit.org/internal/config"
	"gatekit.org/internal/httpapi"
	"gatekit.org/internal/obs"
)

var version = "0.3.1"

func main() {
	configPath := flag.String("config", os.Getenv("GATEKIT_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()

	signer, err := auth.NewHMACSigner([]byte(cfg.SigningSecret))
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	tokens, err := auth.NewTokenService(signer)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	// Sessions: Redis when configured, in-process otherwise.
	var (
		sessions auth.SessionStore
		memStore *auth.MemorySessionStore
		rdb      *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		sessions, err = auth.NewRedisSessionStore(rdb, cfg.SessionTimeout)
		if err != nil {
			log.Fatalf("redis session store: %v", err)
		}
	} else {
		memStore, err = auth.NewMemorySessionStore(cfg.SessionTimeout)
		if err != nil {
			log.Fatalf("session store: %v", err)
		}
		memStore.StartSweeper(cfg.SweepInterval, func(removed int) {
			if removed > 0 {
				obs.SessionsSwept(removed)
				obs.LogEvent("info", "sessions_swept", map[string]any{"removed": removed})
			}
		})
		sessions = memStore
	}

	csrfGuard, err := auth.NewCSRFGuard(cfg.CSRFTTL, auth.WithSingleUse(cfg.CSRFSingleUse))
	if err != nil {
		log.Fatalf("csrf guard: %v", err)
	}
	csrfGuard.StartSweeper(cfg.SweepInterval)

	// RBAC registry, persisted to Postgres when a DSN is configured.
	var (
		registryOpts []auth.RegistryOption
		db           *sql.DB
	)
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		registryOpts = append(registryOpts, auth.WithPersister(auth.NewPGRBACStore(db)))
	}
	registry := auth.NewRegistry(registryOpts...)
	if db != nil {
		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		snap, err := auth.NewPGRBACStore(db).Load(loadCtx)
		cancel()
		if err != nil {
			log.Fatalf("load rbac state: %v", err)
		}
		registry.Hydrate(snap)
	}
	if err := registry.EnsureBuiltins(context.Background()); err != nil {
		log.Fatalf("ensure builtin permissions: %v", err)
	}

	limiter, err := auth.NewSlidingWindowLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	if err != nil {
		log.Fatalf("rate limiter: %v", err)
	}
	limiter.StartSweeper(cfg.SweepInterval)

	mode := auth.ModeToken
	if cfg.AuthMode == "session" {
		mode = auth.ModeSession
	}
	facade, err := auth.NewFacade(auth.FacadeConfig{
		Mode:                     mode,
		Tokens:                   tokens,
		Sessions:                 sessions,
		CSRF:                     csrfGuard,
		Registry:                 registry,
		Limiter:                  limiter,
		FailClosedOnStorageError: cfg.FailClosedOnStorageError,
	})
	if err != nil {
		log.Fatalf("facade: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: db}
	if rdb != nil {
		probe.Ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	api := httpapi.New(facade, probe, version, cfg.TokenTTL,
		cfg.RateLimit.EdgePerSecond, cfg.RateLimit.EdgeBurst)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gatekit-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	limiter.Close()
	csrfGuard.Close()
	if memStore != nil {
		memStore.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
