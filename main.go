package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/sessiond/internal/config"
	"github.com/gluk-w/sessiond/internal/credstore"
	"github.com/gluk-w/sessiond/internal/crypto"
	"github.com/gluk-w/sessiond/internal/database"
	"github.com/gluk-w/sessiond/internal/execchannel"
	"github.com/gluk-w/sessiond/internal/handlers"
	"github.com/gluk-w/sessiond/internal/interactive"
	"github.com/gluk-w/sessiond/internal/lifecycle"
	"github.com/gluk-w/sessiond/internal/logging"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	ctx := context.Background()

	docker, err := lifecycle.Connect(ctx)
	if err != nil {
		log.Fatalf("Docker connect: %v", err)
	}

	exec := execchannel.New(docker)
	sessions := lifecycle.NewManager(docker, exec)

	// Rebuild the session registry from the runtime before serving.
	if _, err := sessions.Reconcile(ctx); err != nil {
		log.Printf("WARNING: startup reconcile: %v", err)
	}

	creds := credstore.New(filepath.Join(config.Cfg.DataPath, "credentials"), crypto.Cipher{})

	providers, err := config.LoadProviders(config.Cfg.ProvidersPath)
	if err != nil {
		log.Fatalf("Providers config: %v", err)
	}
	log.Printf("Loaded %d OAuth provider(s)", len(providers))

	auth := interactive.NewManager(exec, creds, sessions)

	api := handlers.New(sessions, auth, creds, exec, providers)

	// Periodic reconcile keeps the mirror honest when containers die or are
	// removed behind our back.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.ReconcileSchedule, func() {
		if _, err := sessions.Reconcile(context.Background()); err != nil {
			log.Printf("Scheduled reconcile: %v", err)
		}
	}); err != nil {
		log.Fatalf("Reconcile schedule %q: %v", config.Cfg.ReconcileSchedule, err)
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: api.Routes(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	sessions.Shutdown(shutdownCtx)
	log.Println("Server stopped")
}
