package extract

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

var (
	spaceRun   = regexp.MustCompile(` +`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// Clean normalizes extracted text: tabs become spaces, runs of spaces
// collapse to one, three or more newlines collapse to a blank line, and the
// result is trimmed.
func Clean(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\t", " ")
	text = spaceRun.ReplaceAllString(text, " ")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Comparison scores a candidate extraction against a reference extraction of
// the same page by overlap of their normalized word sets
type Comparison struct {
	Page           string  `json:"page"`
	ReferenceWords int     `json:"reference_word_count"`
	CandidateWords int     `json:"candidate_word_count"`
	CommonWords    int     `json:"common_words"`
	Missing        int     `json:"missing_in_candidate"`
	Extra          int     `json:"extra_in_candidate"`
	Accuracy       float64 `json:"accuracy_percentage"`
}

// DocumentAccuracy is the average page accuracy of a document
type DocumentAccuracy struct {
	TotalPages      int     `json:"total_pages"`
	AverageAccuracy float64 `json:"average_accuracy_percentage"`
}

// Compare scores candidate against reference
func Compare(page, reference, candidate string) Comparison {
	ref := wordSet(reference)
	cand := wordSet(candidate)

	common := 0
	for w := range ref {
		if cand[w] {
			common++
		}
	}

	denom := len(ref)
	if denom == 0 {
		denom = 1
	}

	return Comparison{
		Page:           page,
		ReferenceWords: len(ref),
		CandidateWords: len(cand),
		CommonWords:    common,
		Missing:        len(ref) - common,
		Extra:          len(cand) - common,
		Accuracy:       round2(float64(common) / float64(denom) * 100),
	}
}

// Average summarizes page comparisons; it returns false when there are none
func Average(pages []Comparison) (DocumentAccuracy, bool) {
	if len(pages) == 0 {
		return DocumentAccuracy{}, false
	}
	sum := 0.0
	for _, p := range pages {
		sum += p.Accuracy
	}
	return DocumentAccuracy{
		TotalPages:      len(pages),
		AverageAccuracy: round2(sum / float64(len(pages))),
	}, true
}

// wordSet lowercases, drops everything but ASCII letters, digits and
// whitespace, and splits on whitespace
func wordSet(text string) map[string]bool {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}

	set := make(map[string]bool)
	for _, w := range strings.Fields(b.String()) {
		set[w] = true
	}
	return set
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
