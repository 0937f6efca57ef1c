package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/artifacts"
	"github.com/raaihank/piiswap/internal/pii"
)

var combinePages int

var combineCmd = &cobra.Command{
	Use:   "combine",
	Short: "Merge per-page declarations into one file",
	Long: `Merge every pii_page_N.json into combined_pii.json. Pages are read in page
order and a later page overrides an earlier value for the same type.

With --pages N every page from 1 to N is expected and missing ones are
reported.`,
	GroupID: "pipeline",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		var pages []pii.PageID
		if combinePages > 0 {
			for n := 1; n <= combinePages; n++ {
				pages = append(pages, pii.PageKey(n))
			}
		} else {
			pages, err = a.layout.DiscoverPages()
			if err != nil {
				return err
			}
		}

		combined, missing, err := a.layout.Combine(pages)
		if err != nil {
			return err
		}
		if combined == nil {
			combined = pii.Declarations{}
		}
		for _, page := range missing {
			a.log.Warn("No declarations for page", zap.String("page", string(page)))
		}

		if err := artifacts.WriteJSON(a.layout.CombinedPath(), combined); err != nil {
			return fmt.Errorf("failed to write combined declarations: %w", err)
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(w, map[string]interface{}{
				"path":    a.layout.CombinedPath(),
				"types":   len(combined),
				"pages":   len(pages) - len(missing),
				"missing": missing,
			})
		}
		printSuccess(w, fmt.Sprintf("Combined %d pages into %s (%d types)", len(pages)-len(missing), a.layout.CombinedPath(), len(combined)))
		for _, page := range missing {
			printWarning(w, fmt.Sprintf("%s: no declarations file", page))
		}
		return nil
	},
}

func init() {
	combineCmd.Flags().IntVar(&combinePages, "pages", 0, "Expected page count (default: every page found)")
}
