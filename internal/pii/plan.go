package pii

import (
	"encoding/json"
)

// PlanEntry is one type's assignment inside a replacement plan
type PlanEntry struct {
	Type PiiType
	Assignment
}

// Plan is the authoritative set of original->dummy assignments for one page.
// Entries keep declaration order.
type Plan struct {
	Page    PageID
	Entries []PlanEntry
}

// NewPlan creates an empty plan for a page
func NewPlan(page PageID) *Plan {
	return &Plan{Page: page, Entries: []PlanEntry{}}
}

// Put inserts or replaces the assignment for a type
func (p *Plan) Put(t PiiType, a Assignment) {
	for i := range p.Entries {
		if p.Entries[i].Type == t {
			p.Entries[i].Assignment = a
			return
		}
	}
	p.Entries = append(p.Entries, PlanEntry{Type: t, Assignment: a})
}

// Lookup returns the assignment for a type
func (p *Plan) Lookup(t PiiType) (Assignment, bool) {
	for _, e := range p.Entries {
		if e.Type == t {
			return e.Assignment, true
		}
	}
	return Assignment{}, false
}

// Len returns the number of entries
func (p *Plan) Len() int {
	return len(p.Entries)
}

// Equal reports whether two plans hold the same entries in the same order
func (p *Plan) Equal(other *Plan) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Page != other.Page || len(p.Entries) != len(other.Entries) {
		return false
	}
	for i := range p.Entries {
		if p.Entries[i] != other.Entries[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (p *Plan) Clone() *Plan {
	c := &Plan{Page: p.Page, Entries: make([]PlanEntry, len(p.Entries))}
	copy(c.Entries, p.Entries)
	return c
}

// MarshalJSON encodes the plan as {type: {original, dummy}} in entry order.
// The page identifier is carried by the artifact name or master key.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return encodeObject(len(p.Entries), func(i int) (string, any) {
		return string(p.Entries[i].Type), p.Entries[i].Assignment
	})
}

// UnmarshalJSON decodes the {type: {original, dummy}} form.
func (p *Plan) UnmarshalJSON(data []byte) error {
	entries := []PlanEntry{}
	err := decodeObject(data, func(key string, dec *json.Decoder) error {
		var a Assignment
		if err := dec.Decode(&a); err != nil {
			return err
		}
		entries = append(entries, PlanEntry{Type: PiiType(key), Assignment: a})
		return nil
	})
	if err != nil {
		return err
	}
	p.Entries = entries
	return nil
}
