package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atmx/settlement-ledger/internal/api"
	"github.com/atmx/settlement-ledger/internal/app"
	"github.com/atmx/settlement-ledger/internal/config"
	"github.com/atmx/settlement-ledger/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $LEDGER_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}
	logger := logging.Init(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// --- WebSocket hub ---
	hub := api.NewWSHub(logger)
	go hub.Run(ctx)

	// --- Ledger service ---
	svc, err := app.NewService(ctx, cfg, st, hub, logger)
	if err != nil {
		logger.Error("ledger initialization failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	router := api.NewRouter(api.RouterConfig{
		Handler:   api.NewHandler(svc, logger),
		Hub:       hub,
		Logger:    logger,
		RateLimit: cfg.RateLimit.RPS,
		Burst:     cfg.RateLimit.Burst,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("settlement-ledger listening", "port", cfg.Port, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down settlement-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-ledger stopped")
}
