// Package verifier certifies that a sanitized page differs from its raw text
// only where the page's plan allows it.
package verifier

import (
	"fmt"
	"strings"

	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/sanitizer"
)

const (
	KindIncompleteReplacement = "incomplete_replacement"
	KindUnauthorizedChange    = "unauthorized_change"
)

// Finding is one reason a page failed verification. Values are carried as
// fingerprints only.
type Finding struct {
	Kind            string      `json:"kind"`
	Type            pii.PiiType `json:"type,omitempty"`
	Value           string      `json:"value,omitempty"`
	RawOffset       int         `json:"raw_offset"`
	SanitizedOffset int         `json:"sanitized_offset"`
	Detail          string      `json:"detail"`
}

// Result is the verification outcome of one page
type Result struct {
	Page         pii.PageID `json:"page"`
	Passed       bool       `json:"passed"`
	Replacements int        `json:"replacements"`
	Findings     []Finding  `json:"findings"`
}

// Err returns nil for a passing page, otherwise a PageError wrapping the
// sentinel of the first finding
func (r *Result) Err() error {
	if r.Passed || len(r.Findings) == 0 {
		return nil
	}
	f := r.Findings[0]
	sentinel := pii.ErrUnauthorizedChange
	if f.Kind == KindIncompleteReplacement {
		sentinel = pii.ErrIncompleteReplacement
	}
	return &pii.PageError{
		Page: r.Page,
		Type: f.Type,
		Err:  fmt.Errorf("%w: %s (%d finding(s))", sentinel, f.Detail, len(r.Findings)),
	}
}

type dummySpan struct {
	start, end int
}

// Verify walks raw and sanitized text side by side. At each position a plan
// replacement (original in raw, its dummy in sanitized) is accepted, otherwise
// the bytes must be identical. Any other difference is an unauthorized
// change. Every plan original still present in sanitized text outside a
// dummy is an incomplete replacement.
func Verify(sanitized string, plan *pii.Plan, raw string) *Result {
	result := &Result{Page: plan.Page, Findings: []Finding{}}
	entries := sanitizer.Order(plan)

	var spans []dummySpan
	i, j := 0, 0
walk:
	for i < len(raw) || j < len(sanitized) {
		for _, e := range entries {
			if strings.HasPrefix(raw[i:], e.Original) && strings.HasPrefix(sanitized[j:], e.Dummy) {
				spans = append(spans, dummySpan{start: j, end: j + len(e.Dummy)})
				result.Replacements++
				i += len(e.Original)
				j += len(e.Dummy)
				continue walk
			}
		}

		switch {
		case i < len(raw) && j < len(sanitized) && raw[i] == sanitized[j]:
			i++
			j++
		case i >= len(raw):
			result.Findings = append(result.Findings, Finding{
				Kind:            KindUnauthorizedChange,
				RawOffset:       i,
				SanitizedOffset: j,
				Detail:          fmt.Sprintf("sanitized text has %d unexpected trailing bytes", len(sanitized)-j),
			})
			break walk
		case j >= len(sanitized):
			result.Findings = append(result.Findings, Finding{
				Kind:            KindUnauthorizedChange,
				RawOffset:       i,
				SanitizedOffset: j,
				Detail:          fmt.Sprintf("sanitized text is missing %d trailing bytes", len(raw)-i),
			})
			break walk
		default:
			result.Findings = append(result.Findings, Finding{
				Kind:            KindUnauthorizedChange,
				RawOffset:       i,
				SanitizedOffset: j,
				Detail:          fmt.Sprintf("text differs at raw offset %d, sanitized offset %d", i, j),
			})
			break walk
		}
	}

	result.Findings = append(result.Findings, completeness(sanitized, raw, entries, spans)...)
	result.Passed = len(result.Findings) == 0
	return result
}

// completeness reports originals that occur in raw and survive in sanitized
// text outside every accepted dummy
func completeness(sanitized, raw string, entries []pii.PlanEntry, spans []dummySpan) []Finding {
	var findings []Finding
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.Original] || !strings.Contains(raw, e.Original) {
			continue
		}
		seen[e.Original] = true

		for from := 0; from < len(sanitized); {
			idx := strings.Index(sanitized[from:], e.Original)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(e.Original)
			if !insideDummy(spans, start, end) {
				findings = append(findings, Finding{
					Kind:            KindIncompleteReplacement,
					Type:            e.Type,
					Value:           pii.Fingerprint(e.Original),
					RawOffset:       -1,
					SanitizedOffset: start,
					Detail:          fmt.Sprintf("declared %s value survives at sanitized offset %d", e.Type, start),
				})
			}
			from = start + 1
		}
	}
	return findings
}

// insideDummy reports whether [start, end) overlaps an accepted dummy. An
// original formed only partly by dummy text is not a surviving original.
func insideDummy(spans []dummySpan, start, end int) bool {
	for _, s := range spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}
