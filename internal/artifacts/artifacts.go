// Package artifacts owns the on-disk layout of a sanitization run: per-page
// declarations, plans, sanitized text and verification reports, plus the
// cumulative master mapping.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/raaihank/piiswap/internal/pii"
)

const (
	MasterFile           = "master_pii.json"
	SummaryFile          = "run_summary.json"
	CombinedFile         = "combined_pii.json"
	ComparisonDir        = "comparison"
	DocumentAccuracyFile = "document_accuracy.json"

	declarationsPrefix = "pii_"
	planPrefix         = "replace_"
	verifyPrefix       = "verify_"
	sanitizedSuffix    = "_sanitized.txt"
)

// Layout resolves artifact paths under an output directory
type Layout struct {
	Dir             string
	DeclarationsDir string
}

// NewLayout creates a layout. An empty declarationsDir means dir.
func NewLayout(dir, declarationsDir string) Layout {
	if declarationsDir == "" {
		declarationsDir = dir
	}
	return Layout{Dir: dir, DeclarationsDir: declarationsDir}
}

// DeclarationsPath returns pii_page_N.json
func (l Layout) DeclarationsPath(page pii.PageID) string {
	return filepath.Join(l.DeclarationsDir, declarationsPrefix+string(page)+".json")
}

// PlanPath returns replace_page_N.json
func (l Layout) PlanPath(page pii.PageID) string {
	return filepath.Join(l.Dir, planPrefix+string(page)+".json")
}

// SanitizedPath returns page_N_sanitized.txt
func (l Layout) SanitizedPath(page pii.PageID) string {
	return filepath.Join(l.Dir, string(page)+sanitizedSuffix)
}

// VerificationPath returns verify_page_N.json
func (l Layout) VerificationPath(page pii.PageID) string {
	return filepath.Join(l.Dir, verifyPrefix+string(page)+".json")
}

func (l Layout) MasterPath() string {
	return filepath.Join(l.Dir, MasterFile)
}

func (l Layout) SummaryPath() string {
	return filepath.Join(l.Dir, SummaryFile)
}

func (l Layout) CombinedPath() string {
	return filepath.Join(l.Dir, CombinedFile)
}

// ComparisonPath returns comparison/page_N_comparison.json
func (l Layout) ComparisonPath(page pii.PageID) string {
	return filepath.Join(l.Dir, ComparisonDir, string(page)+"_comparison.json")
}

func (l Layout) DocumentAccuracyPath() string {
	return filepath.Join(l.Dir, ComparisonDir, DocumentAccuracyFile)
}

// DiscoverPages lists pages that have a declarations file, in page order
func (l Layout) DiscoverPages() ([]pii.PageID, error) {
	matches, err := filepath.Glob(filepath.Join(l.DeclarationsDir, declarationsPrefix+"page_*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list declarations: %w", err)
	}

	pages := make([]pii.PageID, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), declarationsPrefix), ".json")
		page := pii.PageID(name)
		if _, ok := page.Number(); !ok {
			continue
		}
		pages = append(pages, page)
	}
	pii.SortPageIDs(pages)
	return pages, nil
}

// ReadDeclarations loads and validates a page's declarations. A missing file
// is reported as fs.ErrNotExist.
func (l Layout) ReadDeclarations(page pii.PageID) (pii.Declarations, error) {
	var decls pii.Declarations
	if err := ReadJSON(l.DeclarationsPath(page), &decls); err != nil {
		return nil, err
	}
	if err := decls.Validate(); err != nil {
		return nil, &pii.PageError{Page: page, Err: err}
	}
	return decls, nil
}

// WriteDeclarations is used by combine and tests
func (l Layout) WriteDeclarations(page pii.PageID, decls pii.Declarations) error {
	return WriteJSON(l.DeclarationsPath(page), decls)
}

func (l Layout) WritePlan(plan *pii.Plan) error {
	return WriteJSON(l.PlanPath(plan.Page), plan)
}

func (l Layout) ReadPlan(page pii.PageID) (*pii.Plan, error) {
	plan := pii.NewPlan(page)
	if err := ReadJSON(l.PlanPath(page), plan); err != nil {
		return nil, err
	}
	plan.Page = page
	return plan, nil
}

func (l Layout) WriteSanitized(page pii.PageID, text string) error {
	return AtomicWrite(l.SanitizedPath(page), []byte(text), 0o644)
}

func (l Layout) ReadSanitized(page pii.PageID) (string, error) {
	data, err := os.ReadFile(l.SanitizedPath(page))
	if err != nil {
		return "", fmt.Errorf("failed to read sanitized text: %w", err)
	}
	return string(data), nil
}

// ReadMaster loads the master mapping; a missing file yields an empty mapping
func ReadMaster(path string) (*pii.MasterMapping, error) {
	master := pii.NewMasterMapping()
	err := ReadJSON(path, master)
	if errors.Is(err, fs.ErrNotExist) {
		return pii.NewMasterMapping(), nil
	}
	if err != nil {
		return nil, err
	}
	return master, nil
}

// AssignmentsPath returns the ledger kept beside a master mapping file:
// master_pii.json -> master_pii_assignments.json
func AssignmentsPath(masterPath string) string {
	return strings.TrimSuffix(masterPath, filepath.Ext(masterPath)) + "_assignments.json"
}

// ReadAssignments loads an original -> dummy ledger; a missing file yields an
// empty ledger
func ReadAssignments(path string) (map[string]string, error) {
	assignments := make(map[string]string)
	err := ReadJSON(path, &assignments)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

// WriteJSON marshals v with indentation and writes it atomically
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return AtomicWrite(path, append(data, '\n'), 0o644)
}

// ReadJSON unmarshals the file at path into v
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AtomicWrite writes data to path atomically using temp file + rename.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".piiswap-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	// The mapping must be on disk before a page is reported complete
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	committed = true
	return nil
}
