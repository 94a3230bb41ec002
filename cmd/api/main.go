package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"chat-relay/internal/data"
	"chat-relay/internal/db"
	"chat-relay/internal/delivery"
	"chat-relay/internal/middleware"
	"chat-relay/internal/presence"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components and manages the server lifecycle, so every
// defer executes before the process exits.
func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := newLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, config.MongoURI)
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer func() {
		_ = dbClient.Close(context.Background())
	}()

	if err := dbClient.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	msgsStore := data.NewMessagesStore(dbClient.MessagesCollection(), dbClient.CountersCollection(), config.StoreTimeout)
	userDir := data.NewUserDirectory(dbClient.UsersCollection(), config.StoreTimeout)

	hub := NewConnectionHub(log, config.ConnectionBufferSize)
	registry := presence.NewRegistry()
	router := delivery.NewRouter(log, msgsStore, registry, hub)

	limiterStore := middleware.NewLimiterStore(config.SendRatePerMinute, config.SendBurst, time.Minute)
	defer limiterStore.Stop()

	srv := newServer(log, hub, registry, router, msgsStore, userDir, limiterStore, config.AllowedOrigins, config.HistoryPageSize)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		return err
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newLogger builds the process-wide structured logger at the configured
// level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
