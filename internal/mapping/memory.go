package mapping

import (
	"context"
	"sync"

	"github.com/raaihank/piiswap/internal/pii"
)

// MemoryStore keeps the master mapping in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	master *pii.MasterMapping
	index  map[string]string
	owners map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		master: pii.NewMasterMapping(),
		index:  make(map[string]string),
		owners: make(map[string]string),
	}
}

// newMemoryStoreFrom seeds a store from an existing snapshot and the
// assignments recorded alongside it. Together they must stay one-to-one.
func newMemoryStoreFrom(master *pii.MasterMapping, assignments map[string]string) (*MemoryStore, error) {
	index, err := master.Index()
	if err != nil {
		return nil, err
	}

	s := &MemoryStore{master: master, index: index, owners: make(map[string]string, len(index))}
	for original, dummy := range index {
		s.owners[dummy] = original
	}
	for original, dummy := range assignments {
		if err := pii.CheckAssignment(s.index, s.owners, original, dummy); err != nil {
			return nil, &pii.PageError{Value: original, Err: err}
		}
		s.index[original] = dummy
		s.owners[dummy] = original
	}
	return s, nil
}

func (s *MemoryStore) Lookup(_ context.Context, original string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dummy, ok := s.index[original]
	return dummy, ok, nil
}

func (s *MemoryStore) Record(_ context.Context, page pii.PageID, t pii.PiiType, original, dummy string) error {
	if err := validateRecord(original, dummy); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index[original]; ok && existing != dummy {
		return conflict(page, t, original, existing, dummy)
	}
	if owner, ok := s.owners[dummy]; ok && owner != original {
		return dummyConflict(page, t, original, dummy)
	}
	s.index[original] = dummy
	s.owners[dummy] = original

	plan, ok := s.master.Pages[page]
	if !ok {
		plan = pii.NewPlan(page)
		s.master.Put(plan)
	}
	plan.Put(t, pii.Assignment{Original: original, Dummy: dummy})
	return nil
}

func (s *MemoryStore) Commit(context.Context, pii.PageID) error {
	return nil
}

func (s *MemoryStore) Snapshot(context.Context) (*pii.MasterMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked(), nil
}

func (s *MemoryStore) snapshotLocked() *pii.MasterMapping {
	out := pii.NewMasterMapping()
	for id, plan := range s.master.Pages {
		out.Pages[id] = plan.Clone()
	}
	return out
}

func (s *MemoryStore) Assignments(context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.assignmentsLocked(), nil
}

func (s *MemoryStore) assignmentsLocked() map[string]string {
	out := make(map[string]string, len(s.index))
	for original, dummy := range s.index {
		out[original] = dummy
	}
	return out
}

func (s *MemoryStore) Close() error {
	return nil
}
