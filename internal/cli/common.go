package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/raaihank/piiswap/internal/artifacts"
	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/logger"
	"github.com/raaihank/piiswap/internal/mapping"
	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/pool"
)

// app holds what every command needs: configuration, a logger and the
// artifact layout
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	level  zap.AtomicLevel
	layout artifacts.Layout
}

// newApp loads configuration, applies global flag overrides and builds the logger
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if outputDir != "" {
		cfg.Pipeline.OutputDir = outputDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	atomic := zap.NewAtomicLevelAt(level)

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.NewWithLevel(loggerConfig, atomic)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &app{
		cfg:    cfg,
		log:    log,
		level:  atomic,
		layout: artifacts.NewLayout(cfg.Pipeline.OutputDir, cfg.Pipeline.DeclarationsDir),
	}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

func (a *app) openStore() (mapping.Store, error) {
	if err := os.MkdirAll(a.cfg.Pipeline.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	store, err := mapping.Open(a.cfg, a.log.WithComponent("mapping").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s mapping store: %w", a.cfg.Store.Backend, err)
	}
	return store, nil
}

// loadPool reads the dummy pool and marks every dummy the store has ever
// assigned as consumed, so a resumed run never hands one out twice. Dummies
// whose page entry was since replaced stay consumed.
func (a *app) loadPool(ctx context.Context, store mapping.Store) (*pool.Pool, error) {
	p, err := pool.Load(a.cfg.Pipeline.DummyPool)
	if err != nil {
		return nil, err
	}

	assignments, err := store.Assignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read assignments: %w", err)
	}
	used := make([]string, 0, len(assignments))
	for _, dummy := range assignments {
		used = append(used, dummy)
	}
	p.MarkConsumed(used...)

	a.log.Info("Dummy pool loaded",
		zap.String("path", a.cfg.Pipeline.DummyPool),
		zap.Int("types", len(p.Types())),
		zap.Int("already_used", len(used)))

	return p, nil
}

// parsePages accepts "3" or "page_3" for each argument
func parsePages(args []string) ([]pii.PageID, error) {
	pages := make([]pii.PageID, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if n, err := strconv.Atoi(part); err == nil {
				if n < 1 {
					return nil, fmt.Errorf("invalid page %q: pages start at 1", part)
				}
				pages = append(pages, pii.PageKey(n))
				continue
			}
			page := pii.PageID(part)
			if _, ok := page.Number(); !ok {
				return nil, fmt.Errorf("invalid page %q: expected N or page_N", part)
			}
			pages = append(pages, page)
		}
	}
	return pages, nil
}
