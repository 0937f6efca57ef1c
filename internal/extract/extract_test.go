package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/piiswap/internal/config"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"tabs and spaces", "a\t\tb   c", "a b c"},
		{"blank lines", "a\n\n\n\n\nb", "a\n\nb"},
		{"keeps single blank line", "a\n\nb", "a\n\nb"},
		{"trims", "  \n a \n ", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestCompare(t *testing.T) {
	c := Compare("page_1", "Patient: James Freer, MRN 131017766", "patient james freer mrn 13101776 extra")

	assert.Equal(t, 5, c.ReferenceWords)
	assert.Equal(t, 6, c.CandidateWords)
	assert.Equal(t, 4, c.CommonWords)
	assert.Equal(t, 1, c.Missing)
	assert.Equal(t, 2, c.Extra)
	assert.Equal(t, 80.0, c.Accuracy)
}

func TestCompareEmptyReference(t *testing.T) {
	c := Compare("page_1", "", "anything")
	assert.Equal(t, 0.0, c.Accuracy)
}

func TestAverage(t *testing.T) {
	_, ok := Average(nil)
	assert.False(t, ok)

	avg, ok := Average([]Comparison{{Accuracy: 80}, {Accuracy: 90}, {Accuracy: 100.5}})
	require.True(t, ok)
	assert.Equal(t, 3, avg.TotalPages)
	assert.Equal(t, 90.17, avg.AverageAccuracy)
}

func TestTextDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page_2.txt"), []byte("SWHC-Freer"), 0o644))

	ex, err := New(config.PipelineConfig{Source: "text", TextDir: dir})
	require.NoError(t, err)
	defer ex.Close()

	text, err := ex.PageText(context.Background(), "page_2")
	require.NoError(t, err)
	assert.Equal(t, "SWHC-Freer", text)

	_, err = ex.PageText(context.Background(), "page_9")
	assert.ErrorIs(t, err, ErrNoText)
}

func TestNewRejectsUnknownSource(t *testing.T) {
	_, err := New(config.PipelineConfig{Source: "ocr"})
	assert.Error(t, err)
}

func TestOpenPDFMissingFile(t *testing.T) {
	_, err := OpenPDF(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}
