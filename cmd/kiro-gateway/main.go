// Package main is the entry point for the Kiro gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiro2api/kiro-gateway/internal/account"
	"github.com/kiro2api/kiro-gateway/internal/config"
	"github.com/kiro2api/kiro-gateway/internal/handler"
	"github.com/kiro2api/kiro-gateway/internal/kiro"
	"github.com/kiro2api/kiro-gateway/internal/quota"
	"github.com/kiro2api/kiro-gateway/pkg/middleware"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg)
	logger.Info("starting kiro gateway",
		"port", cfg.Port,
		"pool_mode", cfg.PoolMode,
		"data_dir", cfg.DataDir,
	)

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.RequestTimeout,
		Logger:              logger,
	})
	defer kiroClient.Close()

	pool := account.NewPool(account.Options{
		Client:   kiroClient,
		Region:   cfg.KiroRegion,
		Strategy: account.ParseStrategy(cfg.PoolMode),
		DataDir:  cfg.DataDir,
		Logger:   logger,
	})

	if err := pool.Load(); err != nil {
		logger.Error("failed to load persisted pool state", "error", err)
		os.Exit(1)
	}

	if err := bootstrapAccounts(pool, cfg, logger); err != nil {
		logger.Error("failed to bootstrap accounts", "error", err)
		os.Exit(1)
	}

	if err := pool.Save(); err != nil {
		logger.Warn("failed to persist pool state after bootstrap", "error", err)
	}

	quotaMirror, err := quota.New(quota.Options{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.RedisKeyPrefix,
		Timeout:   cfg.RedisTimeout,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to start quota mirror", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := quotaMirror.Close(); err != nil {
			logger.Warn("failed to close quota mirror", "error", err)
		}
	}()

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	runRecoverySweeps(sweepCtx, pool, kiroClient, cfg, logger)

	messagesHandler := handler.NewMessagesHandler(handler.MessagesHandlerOptions{
		Pool:        pool,
		QuotaMirror: quotaMirror,
		Logger:      logger,
		MaxRetries:  cfg.MaxRetries,
	})

	countTokensHandler := handler.NewCountTokensHandler(handler.CountTokensHandlerOptions{
		Logger: logger,
	})

	healthHandler := handler.NewHealthHandler(pool)
	modelsHandler := handler.NewModelsHandler()
	chatCompletionsHandler := handler.NewChatCompletionsHandler()

	validateAPIKey := func(key string) bool {
		if cfg.APIKey == "" {
			return true
		}
		return key == cfg.APIKey
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	mux.Handle("GET /v1/models", modelsHandler)
	mux.Handle("POST /v1/messages", messagesHandler)
	mux.Handle("POST /v1/messages/count_tokens", countTokensHandler)
	mux.Handle("POST /v1/chat/completions", chatCompletionsHandler)

	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(validateAPIKey, logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	logger.Info("shutting down server...")
	stopSweeps()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	if err := pool.Save(); err != nil {
		logger.Warn("failed to persist pool state on shutdown", "error", err)
	}

	logger.Info("server stopped")
}

// credentialEntry is one account's shape in a --credentials JSON array file.
type credentialEntry struct {
	Name         string `json:"name"`
	RefreshToken string `json:"refresh_token"`
	AuthMethod   string `json:"auth_method"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// bootstrapAccounts populates an empty pool on first run: from a
// multi-account --credentials file if given, else from the single-account
// REFRESH_TOKEN/AUTH_METHOD environment bootstrap. A pool that already has
// accounts (loaded from DataDir) is left untouched.
func bootstrapAccounts(pool *account.Pool, cfg *config.Config, logger *slog.Logger) error {
	if len(pool.ListAccounts()) > 0 {
		return nil
	}

	if cfg.CredentialsPath != "" {
		return bootstrapFromFile(pool, cfg.CredentialsPath, logger)
	}

	if cfg.RefreshToken == "" {
		logger.Warn("no accounts loaded and no bootstrap credentials provided; pool starts empty")
		return nil
	}

	creds := account.Credentials{
		RefreshToken: cfg.RefreshToken,
		AuthMethod:   cfg.AuthMethod,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}
	acc := pool.AddAccount("default", creds)
	logger.Info("bootstrapped single account from environment", "account_id", acc.ID)
	return nil
}

func bootstrapFromFile(pool *account.Pool, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}

	var entries []credentialEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse credentials file: %w", err)
	}

	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.RefreshToken[:minInt(8, len(e.RefreshToken))]
		}
		acc := pool.AddAccount(name, account.Credentials{
			RefreshToken: e.RefreshToken,
			AuthMethod:   e.AuthMethod,
			ClientID:     e.ClientID,
			ClientSecret: e.ClientSecret,
		})
		logger.Info("bootstrapped account from credentials file", "account_id", acc.ID, "name", name)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// runRecoverySweeps starts the two periodic account-recovery goroutines:
// cooldown recovery (cheap, deadline check only) and exhausted-quota
// refresh (re-probes usage against the upstream). Both stop when ctx is
// cancelled.
func runRecoverySweeps(ctx context.Context, pool *account.Pool, prober account.QuotaProber, cfg *config.Config, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(cfg.CooldownSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := pool.RecoverCooldownAccounts(time.Now())
				if n > 0 {
					logger.Info("cooldown sweep recovered accounts", "count", n)
					if err := pool.Save(); err != nil {
						logger.Warn("failed to persist pool state after cooldown sweep", "error", err)
					}
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.ExhaustedSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pool.RefreshExhaustedAccounts(ctx, prober)
				if err != nil {
					logger.Warn("exhausted sweep encountered errors", "error", err)
				}
				if n > 0 {
					logger.Info("exhausted sweep recovered accounts", "count", n)
				}
				if err := pool.Save(); err != nil {
					logger.Warn("failed to persist pool state after exhausted sweep", "error", err)
				}
			}
		}
	}()
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
