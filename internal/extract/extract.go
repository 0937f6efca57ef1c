// Package extract supplies raw page text to the pipeline, either from
// per-page text files produced by an OCR front end or from a PDF text layer.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/pii"
)

// ErrNoText indicates the source has nothing for a page
var ErrNoText = errors.New("no text for page")

// Extractor yields the raw text of one page
type Extractor interface {
	PageText(ctx context.Context, page pii.PageID) (string, error)
	Close() error
}

// New creates the extractor selected by cfg.Source
func New(cfg config.PipelineConfig) (Extractor, error) {
	switch cfg.Source {
	case "text":
		return NewTextDir(cfg.TextDir), nil
	case "pdf":
		return OpenPDF(cfg.PDFPath)
	default:
		return nil, fmt.Errorf("unknown text source: %s", cfg.Source)
	}
}

// TextDir reads page_N.txt files from a directory
type TextDir struct {
	dir string
}

func NewTextDir(dir string) *TextDir {
	return &TextDir{dir: dir}
}

// Path returns the file holding a page's text
func (t *TextDir) Path(page pii.PageID) string {
	return filepath.Join(t.dir, string(page)+".txt")
}

func (t *TextDir) PageText(_ context.Context, page pii.PageID) (string, error) {
	data, err := os.ReadFile(t.Path(page))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", page, ErrNoText)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return string(data), nil
}

func (t *TextDir) Close() error {
	return nil
}

// PDF extracts the embedded text layer of a PDF, one page at a time
type PDF struct {
	mu     sync.Mutex
	file   *os.File
	reader *pdf.Reader
}

// OpenPDF opens a PDF for page-wise extraction
func OpenPDF(path string) (*PDF, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	return &PDF{file: f, reader: r}, nil
}

// NumPages returns the page count
func (p *PDF) NumPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reader.NumPage()
}

func (p *PDF) PageText(_ context.Context, page pii.PageID) (string, error) {
	n, ok := page.Number()
	if !ok {
		return "", fmt.Errorf("%s: not a numbered page", page)
	}

	// The reader is not safe for concurrent use
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.reader.NumPage() {
		return "", fmt.Errorf("%s: %w", page, ErrNoText)
	}

	pg := p.reader.Page(n)
	if pg.V.IsNull() {
		return "", fmt.Errorf("%s: %w", page, ErrNoText)
	}

	text, err := pg.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extract PDF text for %s: %w", page, err)
	}

	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return text, nil
}

func (p *PDF) Close() error {
	return p.file.Close()
}
