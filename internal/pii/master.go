package pii

import (
	"encoding/json"
	"fmt"
)

// MasterMapping is the cumulative page -> plan record of every assignment
// made so far. Its original -> dummy projection must be a function.
type MasterMapping struct {
	Pages map[PageID]*Plan
}

// NewMasterMapping creates an empty master mapping
func NewMasterMapping() *MasterMapping {
	return &MasterMapping{Pages: make(map[PageID]*Plan)}
}

// Put stores a page's plan snapshot
func (m *MasterMapping) Put(plan *Plan) {
	m.Pages[plan.Page] = plan
}

// PageIDs returns the recorded pages in page order
func (m *MasterMapping) PageIDs() []PageID {
	ids := make([]PageID, 0, len(m.Pages))
	for id := range m.Pages {
		ids = append(ids, id)
	}
	SortPageIDs(ids)
	return ids
}

// Index builds the original -> dummy projection in page order. It fails with
// ErrConsistencyViolation if any original carries two different dummies or
// any dummy serves two different originals.
func (m *MasterMapping) Index() (map[string]string, error) {
	index := make(map[string]string)
	owners := make(map[string]string)
	for _, id := range m.PageIDs() {
		for _, e := range m.Pages[id].Entries {
			if err := CheckAssignment(index, owners, e.Original, e.Dummy); err != nil {
				return nil, &PageError{Page: id, Type: e.Type, Value: e.Original, Err: err}
			}
			index[e.Original] = e.Dummy
			owners[e.Dummy] = e.Original
		}
	}
	return index, nil
}

// CheckAssignment reports whether original -> dummy can join an index
// (original -> dummy) and its reverse owners (dummy -> original) without
// breaking the one-to-one mapping.
func CheckAssignment(index, owners map[string]string, original, dummy string) error {
	if existing, ok := index[original]; ok && existing != dummy {
		return fmt.Errorf("%w: recorded dummies %q and %q", ErrConsistencyViolation, existing, dummy)
	}
	if owner, ok := owners[dummy]; ok && owner != original {
		return fmt.Errorf("%w: %w: %q also serves %s", ErrConsistencyViolation, ErrDummyInUse, dummy, Fingerprint(owner))
	}
	return nil
}

// MarshalJSON encodes the mapping as {page: plan} in page order
func (m *MasterMapping) MarshalJSON() ([]byte, error) {
	ids := m.PageIDs()
	return encodeObject(len(ids), func(i int) (string, any) {
		return string(ids[i]), m.Pages[ids[i]]
	})
}

// UnmarshalJSON decodes the {page: plan} form
func (m *MasterMapping) UnmarshalJSON(data []byte) error {
	pages := make(map[PageID]*Plan)
	err := decodeObject(data, func(key string, dec *json.Decoder) error {
		plan := NewPlan(PageID(key))
		if err := dec.Decode(plan); err != nil {
			return fmt.Errorf("page %s: %w", key, err)
		}
		plan.Page = PageID(key)
		pages[plan.Page] = plan
		return nil
	})
	if err != nil {
		return err
	}
	m.Pages = pages
	return nil
}
