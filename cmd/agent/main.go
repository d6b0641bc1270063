package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradedeck/core/internal/config"
	"tradedeck/core/internal/gateway"
	"tradedeck/core/internal/lifecycle"
	"tradedeck/core/internal/state"
	"tradedeck/core/pkg/botapi"
	"tradedeck/core/pkg/logger"
	"tradedeck/core/pkg/session"
)

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.GetLogger()

	log.Info("Starting tradedeck client core...")
	log.Infof("Backend: %s", cfg.Backend.BaseURL)

	// Session and backend client
	sess := session.New()
	api := botapi.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout, sess)

	// Stores live for the whole session; the coordinator is their only
	// writer.
	events := state.NewNotifier()
	tracker := state.NewStatusTracker(events)
	registry := state.NewRegistry(tracker, events)
	coord := lifecycle.NewCoordinator(api, registry, tracker, cfg.Backend.RequestTimeout, log)

	// WebSocket hub for connected surfaces
	hub := gateway.NewHub(log)
	detach := hub.Attach(events)
	defer detach()
	go hub.Run()

	// Status poller
	poller := lifecycle.NewPoller(coord, registry, cfg.Poll.StatusInterval, log)
	if err := poller.Start(); err != nil {
		log.Fatal("Failed to start status poller", err)
	}

	// Gateway
	handler := gateway.NewHandler(coord, registry, tracker, sess)
	router := gateway.NewRouter(cfg, log, handler, hub)

	srv := &http.Server{
		Addr:         cfg.Gateway.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Gateway listening on %s", cfg.Gateway.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start gateway", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Gateway shutdown failed", err)
	}

	log.Info("Shutdown complete")
}
