package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoolExhausted indicates no unused dummy is left for a PII type.
	ErrPoolExhausted = errors.New("dummy pool exhausted")

	// ErrConsistencyViolation indicates an original would map to two different dummies.
	ErrConsistencyViolation = errors.New("mapping consistency violation")

	// ErrDummyInUse indicates a dummy is already assigned to another original.
	// It is always reported together with ErrConsistencyViolation.
	ErrDummyInUse = errors.New("dummy already assigned to another original")

	// ErrIncompleteReplacement indicates a declared original survived sanitization.
	ErrIncompleteReplacement = errors.New("incomplete replacement")

	// ErrUnauthorizedChange indicates sanitized text differs outside the plan's scope.
	ErrUnauthorizedChange = errors.New("unauthorized change")

	// ErrInvalidDeclaration indicates a malformed page declaration set.
	ErrInvalidDeclaration = errors.New("invalid declaration")

	// ErrUnknownPiiType indicates no dummy candidates are configured for a type.
	ErrUnknownPiiType = errors.New("unknown pii type")
)

// PageError attaches page and value context to one of the sentinel errors.
// The value is never rendered in clear text.
type PageError struct {
	Page  PageID
	Type  PiiType
	Value string
	Err   error
}

func (e *PageError) Error() string {
	var b strings.Builder
	if e.Page != "" {
		fmt.Fprintf(&b, "%s: ", e.Page)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, "%s: ", e.Type)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, "value %s: ", Fingerprint(e.Value))
	}
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// Fingerprint returns a short, stable, non-reversible tag for a PII value
// suitable for logs and error messages.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:6])
}

// Kind classifies an error into a stable machine-readable label.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrConsistencyViolation):
		return "consistency_violation"
	case errors.Is(err, ErrIncompleteReplacement):
		return "incomplete_replacement"
	case errors.Is(err, ErrUnauthorizedChange):
		return "unauthorized_change"
	case errors.Is(err, ErrInvalidDeclaration):
		return "invalid_declaration"
	default:
		return "internal"
	}
}
