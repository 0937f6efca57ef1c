package pii

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PiiType is a category label grouping declarations and dummy pools (e.g. "Patient_Name")
type PiiType string

// PageID identifies a single page of a document, e.g. "page_3"
type PageID string

const pagePrefix = "page_"

// PageKey returns the identifier of the 1-based page number n
func PageKey(n int) PageID {
	return PageID(fmt.Sprintf("%s%d", pagePrefix, n))
}

// Number returns the 1-based page number encoded in the identifier
func (p PageID) Number() (int, bool) {
	s, ok := strings.CutPrefix(string(p), pagePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// SortPageIDs orders page identifiers by page number, falling back to
// lexical order for identifiers that carry no number.
func SortPageIDs(ids []PageID) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, aok := ids[i].Number()
		b, bok := ids[j].Number()
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		default:
			return ids[i] < ids[j]
		}
	})
}

// Assignment is an original value together with the dummy that replaces it
type Assignment struct {
	Original string `json:"original"`
	Dummy    string `json:"dummy"`
}

// Declaration is one (type, original value) pair scoped to exactly one page
type Declaration struct {
	Type     PiiType `json:"type"`
	Original string  `json:"original"`
}
