// Package planner builds per-page replacement plans. It is the only place
// new original -> dummy decisions are made.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/logger"
	"github.com/raaihank/piiswap/internal/mapping"
	"github.com/raaihank/piiswap/internal/pii"
)

// Reserver hands out unused dummies for a type
type Reserver interface {
	Reserve(t pii.PiiType) (string, error)
}

// Builder resolves declarations to dummies against a mapping store and pool
type Builder struct {
	store  mapping.Store
	pool   Reserver
	logger *zap.Logger
	locks  *keyedMutex
}

// BuildResult is a finished plan with how its entries were resolved
type BuildResult struct {
	Plan     *pii.Plan
	Minted   int
	Reused   int
	Duration time.Duration
}

// NewBuilder creates a plan builder
func NewBuilder(store mapping.Store, pool Reserver, logger *zap.Logger) *Builder {
	return &Builder{
		store:  store,
		pool:   pool,
		logger: logger,
		locks:  newKeyedMutex(),
	}
}

// Build resolves every declaration of a page, reusing the recorded dummy for
// a known original and minting one from the pool otherwise. All entries are
// recorded under the page and committed before Build returns. On error no
// plan is returned and the page must not be sanitized.
func (b *Builder) Build(ctx context.Context, page pii.PageID, decls pii.Declarations) (*BuildResult, error) {
	start := time.Now()

	if err := decls.Validate(); err != nil {
		return nil, withPage(err, page)
	}

	result := &BuildResult{Plan: pii.NewPlan(page)}
	for _, d := range decls {
		dummy, minted, err := b.resolve(ctx, page, d)
		if err != nil {
			return nil, withPage(err, page)
		}
		if minted {
			result.Minted++
		} else {
			result.Reused++
		}
		result.Plan.Put(d.Type, pii.Assignment{Original: d.Original, Dummy: dummy})
	}

	if err := b.store.Commit(ctx, page); err != nil {
		return nil, fmt.Errorf("failed to commit mapping for %s: %w", page, err)
	}

	result.Duration = time.Since(start)
	b.logger.Debug("Plan built",
		zap.String("page", string(page)),
		zap.Int("entries", result.Plan.Len()),
		zap.Int("minted", result.Minted),
		zap.Int("reused", result.Reused),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// resolve runs lookup -> reserve -> record for one original as a single
// critical section shared by every page of this process.
//
// Other processes sharing the store are not covered by the lock. Two races
// are possible against them, and the store reports both on Record:
//   - the reserved dummy is already assigned elsewhere (pii.ErrDummyInUse):
//     the pool has marked it consumed, so the next Reserve moves past it
//   - the original was recorded meanwhile with another dummy: that dummy is
//     adopted and the reserved one stays consumed
func (b *Builder) resolve(ctx context.Context, page pii.PageID, d pii.Declaration) (string, bool, error) {
	unlock := b.locks.Lock(d.Original)
	defer unlock()

	dummy, found, err := b.store.Lookup(ctx, d.Original)
	if err != nil {
		return "", false, err
	}

	if found {
		// Reused entries are recorded too so the page snapshot lists every value
		// the page was sanitized with; the store treats the identical pair as a no-op
		if err := b.store.Record(ctx, page, d.Type, d.Original, dummy); err != nil {
			return "", false, err
		}
		return dummy, false, nil
	}

	for {
		dummy, err := b.pool.Reserve(d.Type)
		if err != nil {
			return "", false, err
		}

		err = b.store.Record(ctx, page, d.Type, d.Original, dummy)
		switch {
		case err == nil:
			b.logger.Debug("Dummy minted",
				zap.String("page", string(page)),
				zap.String("type", string(d.Type)),
				logger.Value("original", d.Original),
				zap.String("dummy", dummy))
			return dummy, true, nil

		case errors.Is(err, pii.ErrDummyInUse):
			b.logger.Warn("Dummy already assigned by another writer, reserving the next one",
				zap.String("page", string(page)),
				zap.String("type", string(d.Type)),
				zap.String("dummy", dummy))

		case errors.Is(err, pii.ErrConsistencyViolation):
			existing, ok, lookupErr := b.store.Lookup(ctx, d.Original)
			if lookupErr != nil || !ok {
				return "", false, err
			}
			b.logger.Warn("Original recorded by another writer, adopting its dummy",
				zap.String("page", string(page)),
				zap.String("type", string(d.Type)),
				logger.Value("original", d.Original),
				zap.String("dummy", existing))
			if err := b.store.Record(ctx, page, d.Type, d.Original, existing); err != nil {
				return "", false, err
			}
			return existing, false, nil

		default:
			return "", false, err
		}
	}
}

// withPage fills in the page on a PageError that does not carry one yet
func withPage(err error, page pii.PageID) error {
	if pe, ok := err.(*pii.PageError); ok {
		if pe.Page == "" {
			cp := *pe
			cp.Page = page
			return &cp
		}
		return err
	}
	return &pii.PageError{Page: page, Err: err}
}
