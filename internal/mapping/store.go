// Package mapping is the master mapping store: the persistent, page-indexed
// record of every original -> dummy assignment, with an original -> dummy
// index used for cross-page reuse.
package mapping

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/artifacts"
	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/pii"
)

// Store records assignments per page and answers reuse lookups.
//
// Record is idempotent for an identical (original, dummy) pair and fails with
// pii.ErrConsistencyViolation when original is already mapped to a different
// dummy, or dummy already serves a different original (then also
// pii.ErrDummyInUse). Once Commit returns, every Record made for the page is
// durable.
//
// Snapshot holds the current plan of every page. Assignments holds every
// original -> dummy pair ever recorded, including pairs whose page entry was
// later replaced; it never shrinks.
type Store interface {
	Lookup(ctx context.Context, original string) (string, bool, error)
	Record(ctx context.Context, page pii.PageID, t pii.PiiType, original, dummy string) error
	Commit(ctx context.Context, page pii.PageID) error
	Snapshot(ctx context.Context) (*pii.MasterMapping, error)
	Assignments(ctx context.Context) (map[string]string, error)
	Close() error
}

// Open creates the store selected by cfg.Store.Backend
func Open(cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		path := cfg.Store.FilePath
		if path == "" {
			path = filepath.Join(cfg.Pipeline.OutputDir, artifacts.MasterFile)
		}
		return NewFileStore(path, logger)
	case "redis":
		return NewRedisStore(&cfg.Store.Redis, logger)
	case "postgres", "sqlite":
		return NewSQLStore(cfg.Store.Backend, &cfg.Store.Database, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

func conflict(page pii.PageID, t pii.PiiType, original, existing, dummy string) error {
	return &pii.PageError{
		Page:  page,
		Type:  t,
		Value: original,
		Err:   fmt.Errorf("%w: already mapped to %q, refusing %q", pii.ErrConsistencyViolation, existing, dummy),
	}
}

func dummyConflict(page pii.PageID, t pii.PiiType, original, dummy string) error {
	return &pii.PageError{
		Page:  page,
		Type:  t,
		Value: original,
		Err:   fmt.Errorf("%w: %w: %q", pii.ErrConsistencyViolation, pii.ErrDummyInUse, dummy),
	}
}

func validateRecord(original, dummy string) error {
	if original == "" || dummy == "" {
		return fmt.Errorf("%w: original and dummy must be non-empty", pii.ErrInvalidDeclaration)
	}
	return nil
}
