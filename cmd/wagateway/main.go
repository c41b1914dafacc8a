// Command wagateway runs the WhatsApp-to-LLM webhook gateway: it receives
// inbound provider webhooks, persists the conversation, calls the LLM, and
// replies synchronously with TwiML.
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

	"github.com/relayhub/wagateway/internal/cache"
	"github.com/relayhub/wagateway/internal/config"
	"github.com/relayhub/wagateway/internal/conversation"
	"github.com/relayhub/wagateway/internal/gateway"
	"github.com/relayhub/wagateway/internal/llm"
	"github.com/relayhub/wagateway/internal/pipeline"
	"github.com/relayhub/wagateway/internal/privacy"
	"github.com/relayhub/wagateway/internal/ratelimit"
	"github.com/relayhub/wagateway/internal/store"
)

// Server timing constants, per the gateway's concurrency model.
const (
	ReadHeaderTimeout = 10 * time.Second
	IdleTimeout       = 30 * time.Second
	ShutdownDrain     = 10 * time.Second
)

func main() {
	initLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	startedAt := time.Now()

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctxCache, err := cache.New(cache.WithRedisURL(cfg.RedisURL))
	if err != nil {
		slog.Error("cache open failed", "error", err)
		os.Exit(1)
	}
	defer ctxCache.Close()

	hasher := privacy.NewHasher(cfg.PrivacyHashSalt)
	limiter := ratelimit.New(ctxCache.Client(), hasher, ratelimit.Config{
		MaxPhoneRequests:   cfg.RateLimitMaxRequests,
		PhoneWindowSeconds: cfg.RateLimitWindowSeconds,
		MaxIPRequests:      cfg.RateLimitMaxIPRequests,
		IPWindowSeconds:    cfg.RateLimitIPWindowSeconds,
	})

	llmClient, err := llm.New(llm.WithAPIKey(cfg.AnthropicAPIKey))
	if err != nil {
		slog.Error("llm client init failed", "error", err)
		os.Exit(1)
	}

	convSvc := conversation.New(st, ctxCache)
	webhook := gateway.NewHandler(convSvc, llmClient)
	health := gateway.NewHealthChecker(st, ctxCache, string(cfg.Env), startedAt)

	p := pipeline.New(pipeline.Config{
		AuthToken:  cfg.TwilioAuthToken,
		DevMode:    cfg.IsDevelopment(),
		TrustProxy: cfg.TrustProxy,
	}, limiter)

	router := gateway.NewRouter(p, webhook, health)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: ReadHeaderTimeout,
		IdleTimeout:       IdleTimeout,
	}

	run(srv)
}

// openStore selects the backend from the DSN shape and opens it.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// run starts the HTTP server and blocks until a termination signal arrives,
// then drains in-flight requests for up to ShutdownDrain before returning.
func run(srv *http.Server) {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("gateway server failed", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownDrain)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	}
	slog.Info("gateway shut down cleanly")
}

func initLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
