package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dspconnect/auth"
	"dspconnect/catalog"
	"dspconnect/db"
	"dspconnect/logger"
	"dspconnect/negotiation"
	"dspconnect/transfer"
)

type config struct {
	databaseURL   string
	listenAddr    string
	participantID string
	baseURL       string
	jwtSecret     string
}

func loadConfig() config {
	cfg := config{
		databaseURL:   os.Getenv("DATABASE_URL"),
		listenAddr:    os.Getenv("LISTEN_ADDR"),
		participantID: os.Getenv("PARTICIPANT_ID"),
		baseURL:       os.Getenv("CONNECTOR_BASE_URL"),
		jwtSecret:     os.Getenv("JWT_SECRET"),
	}
	if cfg.listenAddr == "" {
		cfg.listenAddr = ":8080"
	}
	if cfg.participantID == "" {
		cfg.participantID = "urn:connector:anonymous"
	}
	if cfg.baseURL == "" {
		cfg.baseURL = "http://localhost" + cfg.listenAddr
	}
	return cfg
}

func main() {
	logger.Init()
	cfg := loadConfig()

	if cfg.jwtSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.databaseURL, db.PoolOptions{MaxConns: 16})
	if err != nil {
		slog.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.jwtSecret)
	catalogService := catalog.NewService(catalog.NewStore(pool), cfg.participantID, cfg.baseURL)
	negotiationService := negotiation.NewService(negotiation.NewStore(pool), catalogService)
	transferService := transfer.NewService(transfer.NewStore(pool), negotiationService, authService)

	server := NewServer(negotiationService, transferService, catalogService, authService)
	httpServer := newHTTPServer(cfg.listenAddr, server.Handler())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("connector listening", "addr", cfg.listenAddr, "participant", cfg.participantID)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("connector stopped")
}
