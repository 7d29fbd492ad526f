// Command policyshield runs the Shield Engine behind its HTTP surface,
// wiring every subsystem together from environment configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mishabar410/policyshield/pkg/approval"
	"github.com/mishabar410/policyshield/pkg/config"
	"github.com/mishabar410/policyshield/pkg/engine"
	"github.com/mishabar410/policyshield/pkg/httpapi"
	"github.com/mishabar410/policyshield/pkg/metrics"
	"github.com/mishabar410/policyshield/pkg/rules"
	"github.com/mishabar410/policyshield/pkg/trace"
	"github.com/mishabar410/policyshield/pkg/watcher"
)

func main() {
	os.Exit(run())
}

func fatalf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "policyshield: "+format+"\n", args...)
	return 1
}

func run() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	rs, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		return fatalf("rule-set failed to compile: %v", err)
	}

	rec := trace.New(trace.Config{Dir: cfg.TraceDir, PrivacyMode: cfg.TracePrivacy}, logger)

	backend := buildApprovalBackend(cfg)
	if ok, detail := backend.Health(); !ok {
		return fatalf("approval backend failed health check: %s", detail)
	}

	reg := metrics.New()

	mode := rules.Mode(strings.ToUpper(cfg.Mode))

	eng, err := engine.New(engine.Config{
		RuleSet:              rs,
		Mode:                 mode,
		SessionTTL:           cfg.SessionTTL,
		SessionCapacity:      cfg.SessionCapacity,
		ApprovalBackend:      backend,
		ApprovalTimeout:      cfg.ApprovalTimeout,
		OnTimeoutAutoApprove: false,
		Trace:                rec,
		OnErrorAllow:         cfg.FailOpen,
		CheckTimeout:         cfg.CheckTimeout,
		Logger:               logger,
		Metrics:              reg,
	})
	if err != nil {
		return fatalf("engine init failed: %v", err)
	}

	w, err := watcher.New(watcher.Config{
		Path:   cfg.RulesPath,
		Reload: eng.Reload,
		Logger: logger,
	})
	if err != nil {
		return fatalf("watcher init failed: %v", err)
	}
	if err := w.Seed(); err != nil {
		return fatalf("watcher seed failed: %v", err)
	}

	server := httpapi.New(httpapi.Config{
		Engine:                  eng,
		RulesPath:               cfg.RulesPath,
		RulesLoader:             rules.LoadFile,
		APITokens:               cfg.APITokens,
		AdminToken:              cfg.AdminToken,
		MaxConcurrentChecks:     cfg.MaxConcurrentChecks,
		MaxRequestSize:          cfg.MaxRequestSize,
		RequestTimeout:          cfg.RequestTimeout,
		CORSOrigins:             cfg.CORSOrigins,
		AdminRateLimitPerMin:    cfg.AdminRateLimitPerMin,
		AuthFailRateLimitPerMin: cfg.AuthFailRateLimitPerMin,
		AuthFailLockout:         cfg.AuthFailLockout,
		Metrics:                 reg,
		Logger:                  logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := eng.StartBackground(ctx)

	watcherStop := make(chan struct{})
	go w.Run(watcherStop)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("policyshield: listening", "addr", cfg.ListenAddr, "mode", mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("policyshield: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("policyshield: server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("policyshield: graceful shutdown deadline exceeded, forcing close", "error", err)
		_ = httpServer.Close()
	}

	close(watcherStop)
	stop()
	_ = workers.Wait()

	if err := eng.Close(); err != nil {
		logger.Error("policyshield: trace flush on shutdown failed", "error", err)
	}

	logger.Info("policyshield: shutdown complete")
	return 0
}

func buildApprovalBackend(cfg *config.Config) approval.Backend {
	if cfg.ApprovalWebhookURL != "" {
		return approval.NewChatChannel(cfg.ApprovalWebhookURL, nil, cfg.ApprovalTTL)
	}
	return approval.NewInMemory(cfg.ApprovalTTL)
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
