/*
Package main is the entry point for the Chat Relay server.

It is responsible for loading configuration, initializing the global logging system,
connecting the optional Redis bridge, starting the connection Manager and HTTP server,
and gracefully handling operating system interrupt signals (SIGINT, SIGTERM)
to ensure a smooth server shutdown.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"chatrelay/internal/app/bridge"
	"chatrelay/internal/app/chat"
	"chatrelay/internal/configs"
	"chatrelay/internal/handler"
	"chatrelay/internal/pkg/logx"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load()

	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.IsDevelopment(), cfg.LogLevel)
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Bool("enforce_identity", cfg.EnforceIdentity).
		Bool("bridge", cfg.BridgeEnabled()).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var relayBridge chat.Bridge
	if cfg.BridgeEnabled() {
		redisBridge, err := bridge.NewRedisBridge(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			logx.Fatal(err, "Failed to connect the Redis bridge")
		}
		logx.Info("Redis bridge connected", "node", redisBridge.Node(), "channel", cfg.RedisChannel)
		relayBridge = redisBridge
	}

	manager := chat.NewManager(chat.ManagerConfig{
		Client: chat.ClientOptions{
			SendQueueSize: cfg.SendQueueSize,
			EventRate:     rate.Limit(cfg.EventRate),
			EventBurst:    cfg.EventBurst,
		},
		EnforceIdentity: cfg.EnforceIdentity,
	}, relayBridge, *logx.Logger())

	router, stopLimiters := handler.Router(&handler.AppDeps{
		Manager: manager,
		Config:  cfg,
	})
	defer stopLimiters()

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("Chat Relay starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// Hijacked WebSocket connections are not tracked by the server; the Manager closes them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	if err := manager.Shutdown(shutdownTimeout); err != nil {
		logx.Error(err, "Manager shutdown incomplete")
	}

	logx.Info("Server gracefully stopped.")
}
