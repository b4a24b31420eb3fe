package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"setarb/internal/analysis"
	"setarb/internal/api"
	"setarb/internal/catalog"
	"setarb/internal/config"
	"setarb/internal/logger"
	"setarb/internal/orchestrator"
	"setarb/internal/ratelimit"
	"setarb/internal/store"
	"setarb/internal/upstream"
)

var version = "dev"

// loadDotEnv loads environment variables from a local .env file so that
// double-clicked binaries (without a shell) can still be configured.
// Order of lookup:
//  1. ./.env (current working directory)
//  2. <binary-dir>/.env
//
// Existing OS env vars are NOT overridden.
func loadDotEnv() {
	paths := []string{".env"}

	if exePath, err := os.Executable(); err == nil {
		if exeDir := filepath.Dir(exePath); exeDir != "" {
			paths = append(paths, filepath.Join(exeDir, ".env"))
		}
	}

	seen := make(map[string]bool)

	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true

		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		for _, line := range lines {
			l := strings.TrimSpace(line)
			if l == "" || strings.HasPrefix(l, "#") {
				continue
			}
			parts := strings.SplitN(l, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			if key == "" {
				continue
			}
			if os.Getenv(key) == "" {
				os.Setenv(key, val)
			}
		}
	}
}

func main() {
	// Load .env for double-clicked binaries / local builds. This is a no-op
	// when the file is absent, and never overrides existing OS env vars.
	loadDotEnv()

	port := flag.Int("port", 13370, "HTTP server port")
	host := flag.String("host", "127.0.0.1", "Host to bind to (use 0.0.0.0 to allow LAN/remote access)")
	flag.Parse()

	logger.Banner(version)

	cfg := config.Load()

	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			logger.Error("Cache", fmt.Sprintf("failed to create cache dir: %v", err))
			os.Exit(1)
		}
	}
	if dbDir := filepath.Dir(cfg.DatabasePath); dbDir != "." {
		os.MkdirAll(dbDir, 0o755)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Store", fmt.Sprintf("failed to open run store: %v", err))
		os.Exit(1)
	}
	defer st.Close()

	limiter := ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow)
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, limiter, cfg.RequestTimeout)

	cat := catalog.New(filepath.Join(cfg.CacheDir, "catalog.json"), upstreamClient)

	orch := orchestrator.New(upstreamClient, cat, st, cfg.WorkerPoolSize, cfg.AnalysisTimeout)

	srv := api.NewServer(cfg, orch, cat, st, upstreamClient)

	// Background polling loop: when enabled, triggers a fresh run on a fixed
	// interval so /api/analysis always has a recent result cached (§4.8).
	if cfg.AnalysisPollIntervalSeconds > 0 {
		go runPollLoop(orch, cfg)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	logger.Server(addr)

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("Server", "Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server", fmt.Sprintf("Shutdown error: %v", err))
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
	logger.Info("Server", "Stopped")
}

// runPollLoop triggers a background run every AnalysisPollIntervalSeconds
// using the configured default strategy/instant mode, skipping the tick
// with an info log line whenever a run is already in flight (Trigger's own
// single-flight guard).
func runPollLoop(orch *orchestrator.Orchestrator, cfg *config.Config) {
	interval := time.Duration(cfg.AnalysisPollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		started, _, err := orch.Trigger(context.Background(), cfg.DefaultStrategy, analysis.Instant, false)
		if err != nil {
			logger.Error("Poll", fmt.Sprintf("run failed: %v", err))
			continue
		}
		if !started {
			logger.Info("Poll", "skipped, a run is already in progress")
		}
	}
}
