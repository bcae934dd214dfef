// Command turnstile starts the credential pool, its background prober, and
// an MCP server exposing turnstile_search / turnstile_status, following the
// reference module's cmd/akashi wiring shape: load ambient config, init
// telemetry, construct the core components, start background loops, serve
// until a shutdown signal, drain cleanly.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/turnstile/turnstile/internal/audit"
	"github.com/turnstile/turnstile/internal/config"
	"github.com/turnstile/turnstile/internal/credpool"
	"github.com/turnstile/turnstile/internal/fingerprint"
	"github.com/turnstile/turnstile/internal/mcptools"
	"github.com/turnstile/turnstile/internal/notifier"
	"github.com/turnstile/turnstile/internal/telemetry"
	"github.com/turnstile/turnstile/internal/upstream"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("TURNSTILE_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	ambient, err := config.LoadAmbient()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Info("turnstile starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, ambient.OTELEndpoint, ambient.ServiceName, version, ambient.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	execDir, _ := os.Executable()
	boot, err := config.Resolve(os.Getenv("TURNSTILE_CONFIG_PATH"), execDirOf(execDir))
	if err != nil {
		return fmt.Errorf("resolve pool config: %w", err)
	}

	fp, err := fingerprint.New()
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}

	auditLog, err := audit.Open(ambient.AuditDBPath)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer auditLog.Close()

	factory := upstream.Factory(ambient.UpstreamBaseURL)
	pool, err := credpool.New(boot, factory, fp, logger)
	if err != nil {
		return fmt.Errorf("credpool: %w", err)
	}
	pool.SetAuditSink(auditLog)
	status := pool.Status()
	logger.Info("pool config resolved", "mode", status.Mode, "credentials", status.Total, "config_path", boot.ConfigPath)

	if err := pool.InstrumentMetrics(); err != nil {
		logger.Warn("telemetry: metrics registration failed", "error", err)
	}

	botToken, chatID := "", ""
	if hb := pool.HeartbeatConfig(); hb.TGBotToken != nil && hb.TGChatID != nil {
		botToken, chatID = *hb.TGBotToken, *hb.TGChatID
	}
	var notify credpool.Notifier = notifier.NewLog(logger)
	if tg := notifier.NewTelegram(botToken, chatID, logger); tg != nil {
		notify = tg
	}

	prober := credpool.NewProber(pool, notify, logger)
	go prober.Run(ctx)

	mcpSrv := mcptools.New(pool, logger, version)

	// Transport framing for the MCP surface is a non-goal of the pool
	// itself (spec.md §1); this mounts it the same minimal way the
	// teacher's HTTP server mounts its own MCP endpoint
	// (mcpserver.NewStreamableHTTPServer under /mcp), without the
	// teacher's auth/routing/UI layers this module doesn't own.
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcpSrv.MCPServer()))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := ":" + envOr("TURNSTILE_PORT", "8787")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mcp http server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("mcp server: %w", err)
	}

	logger.Info("turnstile shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func execDirOf(execPath string) string {
	if execPath == "" {
		return ""
	}
	return filepath.Dir(execPath)
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
