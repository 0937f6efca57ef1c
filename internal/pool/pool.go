// Package pool hands out pre-approved dummy values per PII type.
//
// A dummy is consumed the first time it is reserved and is never handed out
// again for the lifetime of the pool, for any type. Reservation is
// deterministic: the first unconsumed candidate in configured order wins.
package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/raaihank/piiswap/internal/pii"
)

// Pool tracks candidate dummies and which of them are already consumed
type Pool struct {
	mu         sync.Mutex
	candidates map[pii.PiiType][]string
	consumed   map[string]bool
	cursor     map[pii.PiiType]int
}

// TypeStats summarizes pool usage for one type
type TypeStats struct {
	Type      pii.PiiType `json:"type"`
	Total     int         `json:"total"`
	Consumed  int         `json:"consumed"`
	Remaining int         `json:"remaining"`
}

// New creates a pool from per-type candidate lists. Candidate order is the
// reservation order.
func New(candidates map[pii.PiiType][]string) (*Pool, error) {
	p := &Pool{
		candidates: make(map[pii.PiiType][]string, len(candidates)),
		consumed:   make(map[string]bool),
		cursor:     make(map[pii.PiiType]int),
	}

	for t, list := range candidates {
		seen := make(map[string]bool, len(list))
		clean := make([]string, 0, len(list))
		for _, c := range list {
			if strings.TrimSpace(c) == "" {
				return nil, fmt.Errorf("pool type %s: empty dummy candidate", t)
			}
			if seen[c] {
				continue
			}
			seen[c] = true
			clean = append(clean, c)
		}
		p.candidates[t] = clean
	}

	return p, nil
}

// Load reads a pool declaration from a JSON or YAML file mapping each type to
// its ordered candidate list.
func Load(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dummy pool: %w", err)
	}

	raw := make(map[string][]string)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse dummy pool %s: %w", path, err)
	}

	candidates := make(map[pii.PiiType][]string, len(raw))
	for t, list := range raw {
		candidates[pii.PiiType(t)] = list
	}
	return New(candidates)
}

// Reserve returns the first unconsumed candidate for t and marks it consumed.
func (p *Pool) Reserve(t pii.PiiType) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list, ok := p.candidates[t]
	if !ok || len(list) == 0 {
		return "", &pii.PageError{Type: t, Err: fmt.Errorf("%w: %w", pii.ErrPoolExhausted, pii.ErrUnknownPiiType)}
	}

	for i := p.cursor[t]; i < len(list); i++ {
		if p.consumed[list[i]] {
			continue
		}
		p.consumed[list[i]] = true
		p.cursor[t] = i + 1
		return list[i], nil
	}

	p.cursor[t] = len(list)
	return "", &pii.PageError{Type: t, Err: fmt.Errorf("%w: all %d candidates in use", pii.ErrPoolExhausted, len(list))}
}

// MarkConsumed records dummies that are already in use, e.g. from a master
// mapping loaded from a previous run.
func (p *Pool) MarkConsumed(dummies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range dummies {
		p.consumed[d] = true
	}
}

// Remaining returns how many candidates are still available for t
func (p *Pool) Remaining(t pii.PiiType) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remainingLocked(t)
}

func (p *Pool) remainingLocked(t pii.PiiType) int {
	n := 0
	for _, c := range p.candidates[t] {
		if !p.consumed[c] {
			n++
		}
	}
	return n
}

// Types returns the configured types in sorted order
func (p *Pool) Types() []pii.PiiType {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]pii.PiiType, 0, len(p.candidates))
	for t := range p.candidates {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Stats returns usage per type
func (p *Pool) Stats() []TypeStats {
	types := p.Types()

	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]TypeStats, 0, len(types))
	for _, t := range types {
		total := len(p.candidates[t])
		remaining := p.remainingLocked(t)
		stats = append(stats, TypeStats{
			Type:      t,
			Total:     total,
			Consumed:  total - remaining,
			Remaining: remaining,
		})
	}
	return stats
}
