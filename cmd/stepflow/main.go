package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/calvera-dev/stepflow/internal/engine"
	"github.com/calvera-dev/stepflow/internal/logging"
	"github.com/calvera-dev/stepflow/internal/scheduler"
	"github.com/calvera-dev/stepflow/internal/server"
	"github.com/calvera-dev/stepflow/internal/store"
	"github.com/calvera-dev/stepflow/internal/streaming"
	"github.com/calvera-dev/stepflow/pkg/mcp"
)

func main() {
	mcpMode := flag.Bool("mcp", false, "serve the MCP stdio transport instead of HTTP")
	memory := flag.Bool("memory", false, "use the in-memory store instead of libSQL")
	flag.Parse()

	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if *memory {
		st = store.NewMemoryStore()
	} else {
		if dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:")); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		ls, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			logger.Error("open store failed", "db_path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		st = ls
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	hub := streaming.NewMemoryHub()
	eng := engine.New(
		engine.WithStore(st),
		engine.WithHub(hub),
		engine.WithLogger(logger),
	)

	if err := registerBuiltins(eng); err != nil {
		logger.Error("register builtin workflows failed", "error", err)
		os.Exit(1)
	}

	if *mcpMode {
		srv := mcp.NewServer(mcp.ServerDeps{Engine: eng, Store: st, Logger: logger})
		if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mcp server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if cfg.Scheduler {
		sched := scheduler.New(st, eng, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler start failed", "error", err)
			os.Exit(1)
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := server.New(eng, logger)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(cfg.ListenAddr); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
