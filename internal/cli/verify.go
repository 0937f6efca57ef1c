package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raaihank/piiswap/internal/extract"
	"github.com/raaihank/piiswap/internal/pipeline"
	"github.com/raaihank/piiswap/internal/verifier"
)

var verifyCmd = &cobra.Command{
	Use:   "verify PAGE [PAGE...]",
	Short: "Re-verify sanitized pages already on disk",
	Long: `Check each page's sanitized text against its stored replacement plan and a
fresh extraction of the raw page, and rewrite its verification report.`,
	GroupID: "pipeline",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		pages, err := parsePages(args)
		if err != nil {
			return err
		}

		extractor, err := extract.New(a.cfg.Pipeline)
		if err != nil {
			return err
		}
		defer extractor.Close()

		// Re-verification reads plans from disk and never builds one
		pl := pipeline.New(nil, extractor, a.layout, a.cfg.Pipeline, a.log.WithComponent("pipeline").Logger)

		ctx := context.Background()
		w := cmd.OutOrStdout()
		results := make([]*verifier.Result, 0, len(pages))
		failed := 0
		for _, page := range pages {
			res, err := pl.Reverify(ctx, page)
			if err != nil {
				return fmt.Errorf("failed to verify %s: %w", page, err)
			}
			results = append(results, res)
			if !res.Passed {
				failed++
			}
		}

		if jsonOutput {
			if err := outputJSON(w, results); err != nil {
				return err
			}
		} else {
			printSection(w, "Verification")
			for _, res := range results {
				if res.Passed {
					printSuccess(w, fmt.Sprintf("%s: certified, %d replacements", res.Page, res.Replacements))
					continue
				}
				printFailure(w, fmt.Sprintf("%s: %d findings", res.Page, len(res.Findings)))
				for _, f := range res.Findings {
					fmt.Fprintf(w, "    %s %s\n", f.Kind, f.Detail)
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d pages failed verification", failed, len(pages))
		}
		return nil
	},
}
