package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/artifacts"
	"github.com/raaihank/piiswap/internal/pii"
)

// FileStore is a MemoryStore whose snapshot is persisted as master_pii.json.
// Every original -> dummy pair ever recorded is also kept in
// master_pii_assignments.json, so replacing a page entry never frees its
// dummy. Every Commit rewrites both files atomically, ledger first.
type FileStore struct {
	*MemoryStore
	path            string
	assignmentsPath string
	logger          *zap.Logger
	writeMu         sync.Mutex
}

// NewFileStore loads the snapshot at path, or starts empty if it does not exist
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	master, err := artifacts.ReadMaster(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load master mapping: %w", err)
	}

	assignmentsPath := artifacts.AssignmentsPath(path)
	assignments, err := artifacts.ReadAssignments(assignmentsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}

	mem, err := newMemoryStoreFrom(master, assignments)
	if err != nil {
		return nil, fmt.Errorf("master mapping %s is inconsistent: %w", path, err)
	}

	logger.Info("Master mapping loaded",
		zap.String("path", path),
		zap.Int("pages", len(master.Pages)),
		zap.Int("originals", len(mem.index)))

	return &FileStore{
		MemoryStore:     mem,
		path:            path,
		assignmentsPath: assignmentsPath,
		logger:          logger,
	}, nil
}

// Commit writes the current snapshot to disk
func (s *FileStore) Commit(_ context.Context, page pii.PageID) error {
	// Writers are serialized so an older snapshot can never replace a newer one
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	master, err := json.MarshalIndent(s.master, "", "  ")
	var ledger []byte
	if err == nil {
		ledger, err = json.MarshalIndent(s.assignmentsLocked(), "", "  ")
	}
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal master mapping: %w", err)
	}

	// The ledger goes first: a crash in between leaves it a superset of the
	// snapshot, never a subset
	if err := artifacts.AtomicWrite(s.assignmentsPath, append(ledger, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to persist assignments: %w", err)
	}
	if err := artifacts.AtomicWrite(s.path, append(master, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to persist master mapping: %w", err)
	}

	s.logger.Debug("Master mapping committed", zap.String("page", string(page)), zap.String("path", s.path))
	return nil
}

// Path returns the snapshot location
func (s *FileStore) Path() string {
	return s.path
}
