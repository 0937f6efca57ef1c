// Package export writes the master mapping as a flat Parquet table for audit
// tooling.
package export

import (
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/piiswap/internal/pii"
)

// Row is one page entry of the master mapping
type Row struct {
	Page        string `parquet:"page" json:"page"`
	PageNumber  int64  `parquet:"page_number" json:"page_number"`
	PiiType     string `parquet:"pii_type" json:"pii_type"`
	Fingerprint string `parquet:"original_fingerprint" json:"original_fingerprint"`
	Original    string `parquet:"original,optional" json:"original,omitempty"`
	Dummy       string `parquet:"dummy" json:"dummy"`
}

// Options controls what the export carries
type Options struct {
	// IncludeOriginals writes clear-text originals next to their fingerprints
	IncludeOriginals bool
}

// Rows flattens a master mapping in page order
func Rows(master *pii.MasterMapping, opts Options) []Row {
	var rows []Row
	for _, id := range master.PageIDs() {
		n, _ := id.Number()
		for _, e := range master.Pages[id].Entries {
			row := Row{
				Page:        string(id),
				PageNumber:  int64(n),
				PiiType:     string(e.Type),
				Fingerprint: pii.Fingerprint(e.Original),
				Dummy:       e.Dummy,
			}
			if opts.IncludeOriginals {
				row.Original = e.Original
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// WriteParquet writes the master mapping to path and returns the row count
func WriteParquet(path string, master *pii.MasterMapping, opts Options) (int, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create Parquet file: %w", err)
	}
	defer file.Close()

	rows := Rows(master, opts)
	writer := parquet.NewWriter(file, parquet.SchemaOf(Row{}))
	for i := range rows {
		if err := writer.Write(&rows[i]); err != nil {
			return 0, fmt.Errorf("failed to write Parquet row: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize Parquet file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync Parquet file: %w", err)
	}
	return len(rows), nil
}

// ReadParquet loads rows written by WriteParquet
func ReadParquet(path string) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	var rows []Row
	for {
		var row Row
		err := reader.Read(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read Parquet row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
