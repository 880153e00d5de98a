package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/peak1031/ppsync/internal/api"
	"github.com/peak1031/ppsync/internal/auth/pp"
	"github.com/peak1031/ppsync/internal/auth/token"
	"github.com/peak1031/ppsync/internal/config"
	"github.com/peak1031/ppsync/internal/db"
	"github.com/peak1031/ppsync/internal/sync"
	"github.com/peak1031/ppsync/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	if !pp.HasClientCredentials() {
		log.Printf("⚠️ PP_CLIENT_ID/PP_CLIENT_SECRET not set, OAuth setup flow will fail")
	}

	tokenManager := token.NewManager(database, pp.Provider, pp.GetOAuthConfig)
	limiter := upstream.NewRateLimiter(cfg.Sync.RateQuota, cfg.Sync.RateWindowDuration())
	client := upstream.NewClient(pp.BaseURL(), tokenManager, limiter)
	client.SetBackoff429(cfg.Sync.Backoff429Duration())

	activity := sync.NewActivityLog(database)
	orchestrator := sync.NewOrchestrator(database, client, activity, cfg.Sync.PageSize, cfg.Sync.PageDelayDuration())
	if len(cfg.Sync.EntityOrder) > 0 {
		orchestrator.SetSyncAllOrder(cfg.Sync.EntityOrder)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// OAuth setup flow
	r.Get("/auth/pp/login", pp.HandleLogin)
	r.Get("/auth/pp/callback", pp.HandleCallback(tokenManager))

	// Operator sync API
	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/status", api.AuthStatusHandler(tokenManager))
		r.Get("/sync/status", api.SyncStatusHandler(activity))
		r.Get("/sync/test", api.TestConnectionHandler(client))
		r.Post("/sync/all", api.SyncAllHandler(orchestrator))
		r.Post("/sync/{entity}", api.SyncEntityHandler(orchestrator))
	})

	addr := cfg.Host + ":" + cfg.Port
	server := &http.Server{Addr: addr, Handler: r}

	// An interrupt cancels in-flight sync runs so they persist paused state
	// instead of losing progress silently.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	server.BaseContext = func(_ net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		log.Println("🛑 Shutting down, waiting for in-flight syncs to pause...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Shutdown: %v", err)
		}
	}()

	log.Printf("🚀 ppsync starting on http://%s", addr)
	log.Printf("🔗 Authorize: http://%s/auth/pp/login", addr)
	log.Printf("🔄 Trigger:   POST http://%s/api/sync/all", addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
}
