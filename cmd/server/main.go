package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/classync/internal/config"
	"gitea.jw6.us/james/classync/internal/google"
	"gitea.jw6.us/james/classync/internal/httpapi"
	"gitea.jw6.us/james/classync/internal/store"
	appsync "gitea.jw6.us/james/classync/internal/sync"
	"gitea.jw6.us/james/classync/internal/token"
	"gitea.jw6.us/james/classync/internal/vault"
)

func main() {
	log.Println("Starting Classync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)
	tokenVault, err := vault.New(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("failed to initialize token vault: %v", err)
	}

	tokens, err := token.NewManagerFromDiscovery(ctx, cfg, stor, tokenVault)
	if err != nil {
		log.Fatalf("failed to initialize token manager: %v", err)
	}

	provider := google.NewClient(google.Options{})
	engine := appsync.NewEngine(stor, tokens, provider, cfg.SyncWorkers)

	r := httpapi.NewRouter(cfg, stor, tokens, engine)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
