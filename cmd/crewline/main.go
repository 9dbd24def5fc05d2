package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/crewline/crewline/internal/engine"
	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "crewline:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	progressDir := filepath.Join(cfg.DataDir, "progress")
	if err := os.MkdirAll(progressDir, 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}

	eng, err := engine.New(st, engine.Options{
		Progress:   engine.NewFileProgressLog(progressDir),
		Logger:     logger,
		StaleAfter: cfg.staleAfter(),
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	srv := mcp.NewCrewlineServer(mcp.CrewlineServerDeps{
		Engine: eng,
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("crewline serving on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.String("data_dir", cfg.DataDir),
	)
	return srv.Serve(ctx)
}

// newLogger builds the process logger: JSON to stderr with correlation IDs
// injected from the request context. stdout belongs to the MCP transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
