package pipeline

import (
	"time"

	"github.com/raaihank/piiswap/internal/extract"
	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/verifier"
)

// Status is the outcome of one page
type Status string

const (
	// StatusCertified pages were sanitized and passed verification
	StatusCertified Status = "certified"
	// StatusFailed pages hit a taxonomy error or an I/O error; their text is not certified
	StatusFailed Status = "failed"
	// StatusSkipped pages had no declarations file
	StatusSkipped Status = "skipped"
)

// PageResult represents the result of processing one page
type PageResult struct {
	Page         pii.PageID          `json:"page"`
	Status       Status              `json:"status"`
	Entries      int                 `json:"entries"`
	Minted       int                 `json:"minted"`
	Reused       int                 `json:"reused"`
	Replacements int                 `json:"replacements"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	Error        string              `json:"error,omitempty"`
	Duration     time.Duration       `json:"duration"`
	Comparison   *extract.Comparison `json:"comparison,omitempty"`
	Err          error               `json:"-"`
}

// RunResult represents the result of a pipeline run
type RunResult struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	TotalPages int                       `json:"total_pages"`
	Certified  int                       `json:"certified"`
	Failed     int                       `json:"failed"`
	Skipped    int                       `json:"skipped"`
	Duration   time.Duration             `json:"duration"`
	Accuracy   *extract.DocumentAccuracy `json:"accuracy,omitempty"`
	Pages      []PageResult              `json:"pages"`
}

// Report is the verification artifact written for every processed page
type Report struct {
	Page         pii.PageID       `json:"page"`
	Status       Status           `json:"status"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	Error        string           `json:"error,omitempty"`
	Verification *verifier.Result `json:"verification,omitempty"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// EventSink receives page and run outcomes as they happen
type EventSink interface {
	PageDone(runID string, r PageResult)
	RunDone(r *RunResult)
}

// Fail marks the page failed and records the error and its kind
func (r *PageResult) Fail(err error) {
	r.Status = StatusFailed
	r.Err = err
	r.ErrorKind = pii.Kind(err)
	r.Error = err.Error()
}
