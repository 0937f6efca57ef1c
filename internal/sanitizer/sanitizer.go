// Package sanitizer rewrites page text according to a replacement plan.
//
// Originals are applied longest first. Each original replaces every
// non-overlapping literal occurrence that does not touch a span already
// consumed by a longer original; replaced spans are never rescanned, so a
// dummy can never be rewritten by a later, shorter original.
package sanitizer

import (
	"sort"
	"strings"

	"github.com/raaihank/piiswap/internal/pii"
)

// Span is one replacement, located in both the raw and the sanitized text
type Span struct {
	Type     pii.PiiType `json:"type"`
	RawStart int         `json:"raw_start"`
	RawEnd   int         `json:"raw_end"`
	OutStart int         `json:"out_start"`
	OutEnd   int         `json:"out_end"`
}

// Result is the sanitized text together with where it was changed
type Result struct {
	Text   string
	Spans  []Span
	Counts map[pii.PiiType]int
}

type match struct {
	start, end int
	entry      pii.PlanEntry
}

// Order returns the plan's entries longest original first. Ties keep plan
// order.
func Order(plan *pii.Plan) []pii.PlanEntry {
	entries := make([]pii.PlanEntry, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		if e.Original != "" {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].Original) > len(entries[j].Original)
	})
	return entries
}

// Sanitize applies plan to raw. Only text equal to a plan original is ever
// modified.
func Sanitize(raw string, plan *pii.Plan) *Result {
	consumed := make([]bool, len(raw))
	var matches []match

	for _, e := range Order(plan) {
		n := len(e.Original)
		for i := 0; i+n <= len(raw); {
			idx := strings.Index(raw[i:], e.Original)
			if idx < 0 {
				break
			}
			start := i + idx
			end := start + n
			if overlaps(consumed, start, end) {
				i = start + 1
				continue
			}
			for k := start; k < end; k++ {
				consumed[k] = true
			}
			matches = append(matches, match{start: start, end: end, entry: e})
			i = end
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	result := &Result{
		Spans:  make([]Span, 0, len(matches)),
		Counts: make(map[pii.PiiType]int),
	}

	var b strings.Builder
	b.Grow(len(raw))
	prev := 0
	for _, m := range matches {
		b.WriteString(raw[prev:m.start])
		outStart := b.Len()
		b.WriteString(m.entry.Dummy)
		result.Spans = append(result.Spans, Span{
			Type:     m.entry.Type,
			RawStart: m.start,
			RawEnd:   m.end,
			OutStart: outStart,
			OutEnd:   b.Len(),
		})
		result.Counts[m.entry.Type]++
		prev = m.end
	}
	b.WriteString(raw[prev:])
	result.Text = b.String()

	return result
}

func overlaps(consumed []bool, start, end int) bool {
	for k := start; k < end; k++ {
		if consumed[k] {
			return true
		}
	}
	return false
}
