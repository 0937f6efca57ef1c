package artifacts

import (
	"errors"
	"io/fs"

	"github.com/raaihank/piiswap/internal/pii"
)

// Combine merges the declarations of the given pages in page order. A later
// page overrides the value of an earlier page for the same type. Pages with
// no declarations file are returned as missing rather than failing.
func (l Layout) Combine(pages []pii.PageID) (pii.Declarations, []pii.PageID, error) {
	sorted := append([]pii.PageID(nil), pages...)
	pii.SortPageIDs(sorted)

	var (
		combined pii.Declarations
		missing  []pii.PageID
	)
	for _, page := range sorted {
		decls, err := l.ReadDeclarations(page)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, page)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		for _, d := range decls {
			combined.Set(d.Type, d.Original)
		}
	}
	return combined, missing, nil
}
