package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/pii"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pii_index (
		original TEXT PRIMARY KEY,
		dummy    TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS pii_pages (
		page     TEXT NOT NULL,
		pii_type TEXT NOT NULL,
		original TEXT NOT NULL,
		dummy    TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		PRIMARY KEY (page, pii_type)
	)`,
}

// SQLStore keeps the master mapping in PostgreSQL or SQLite. pii_index holds
// every assignment ever made and keeps both columns unique, so processes
// sharing one database can never give one dummy to two originals.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type pageRow struct {
	Page     string `db:"page"`
	PiiType  string `db:"pii_type"`
	Original string `db:"original"`
	Dummy    string `db:"dummy"`
}

// NewSQLStore connects to the database for backend (postgres or sqlite) and
// creates the schema if needed
func NewSQLStore(backend string, cfg *config.DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	driver := "postgres"
	if backend == "sqlite" {
		driver = "sqlite3"
	}

	db, err := sqlx.Connect(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{db: db, logger: logger}

	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("SQL mapping store initialized",
		zap.String("driver", driver),
		zap.String("database_url", maskURL(cfg.URL)))

	return store, nil
}

// initialize checks the connection and creates the tables
func (s *SQLStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, original string) (string, bool, error) {
	var dummy string
	err := s.db.GetContext(ctx, &dummy, s.db.Rebind(`SELECT dummy FROM pii_index WHERE original = ?`), original)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mapping lookup failed: %w", err)
	}
	return dummy, true, nil
}

func (s *SQLStore) Record(ctx context.Context, page pii.PageID, t pii.PiiType, original, dummy string) error {
	if err := validateRecord(original, dummy); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	owner, err := dummyOwner(ctx, tx, dummy)
	if err != nil {
		return err
	}
	if owner != "" && owner != original {
		return dummyConflict(page, t, original, dummy)
	}

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO pii_index (original, dummy) VALUES (?, ?) ON CONFLICT (original) DO NOTHING`),
		original, dummy); err != nil {
		// Another writer took the dummy after the check above and the unique
		// constraint fired. The transaction is unusable now, so look again
		// outside it.
		_ = tx.Rollback()
		if owner, ownerErr := dummyOwner(ctx, s.db, dummy); ownerErr == nil && owner != "" && owner != original {
			return dummyConflict(page, t, original, dummy)
		}
		return fmt.Errorf("failed to insert index entry: %w", err)
	}

	var existing string
	if err := tx.GetContext(ctx, &existing, tx.Rebind(`SELECT dummy FROM pii_index WHERE original = ?`), original); err != nil {
		return fmt.Errorf("failed to read back index entry: %w", err)
	}
	if existing != dummy {
		return conflict(page, t, original, existing, dummy)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO pii_pages (page, pii_type, original, dummy, seq)
		VALUES (?, ?, ?, ?, (SELECT COUNT(*) FROM pii_pages WHERE page = ?))
		ON CONFLICT (page, pii_type) DO UPDATE SET original = excluded.original, dummy = excluded.dummy`),
		string(page), string(t), original, dummy, string(page)); err != nil {
		return fmt.Errorf("failed to upsert page entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Commit has nothing to flush: each Record is its own transaction
func (s *SQLStore) Commit(context.Context, pii.PageID) error {
	return nil
}

func (s *SQLStore) Snapshot(ctx context.Context) (*pii.MasterMapping, error) {
	var rows []pageRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT page, pii_type, original, dummy FROM pii_pages ORDER BY page, seq`); err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}

	master := pii.NewMasterMapping()
	for _, r := range rows {
		page := pii.PageID(r.Page)
		plan, ok := master.Pages[page]
		if !ok {
			plan = pii.NewPlan(page)
			master.Put(plan)
		}
		plan.Put(pii.PiiType(r.PiiType), pii.Assignment{Original: r.Original, Dummy: r.Dummy})
	}
	return master, nil
}

func (s *SQLStore) Assignments(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Original string `db:"original"`
		Dummy    string `db:"dummy"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT original, dummy FROM pii_index`); err != nil {
		return nil, fmt.Errorf("failed to read assignments: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Original] = r.Dummy
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rebindQueryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

// dummyOwner returns the original a dummy is assigned to, or "" if none
func dummyOwner(ctx context.Context, q rebindQueryer, dummy string) (string, error) {
	var owner string
	err := sqlx.GetContext(ctx, q, &owner, q.Rebind(`SELECT original FROM pii_index WHERE dummy = ?`), dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dummy lookup failed: %w", err)
	}
	return owner, nil
}
