package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raaihank/piiswap/internal/extract"
	"github.com/raaihank/piiswap/internal/mapping"
	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/pipeline"
	"github.com/raaihank/piiswap/internal/planner"
)

var (
	runWorkers    int
	runCompareDir string
)

var runCmd = &cobra.Command{
	Use:   "run [PAGE...]",
	Short: "Sanitize and verify pages",
	Long: `Build a replacement plan for every page with a declarations file, write the
sanitized text and verify it. Pass page numbers to limit the run.

A page that fails never stops the others; the command exits non-zero when any
page failed.`,
	GroupID: "pipeline",
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
		if runWorkers > 0 {
			a.cfg.Pipeline.Workers = runWorkers
		}
		if runCompareDir != "" {
			a.cfg.Pipeline.CompareDir = runCompareDir
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		result, err := runPipeline(ctx, a, pages)
		if result != nil {
			printRunResult(cmd, result)
		}
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d pages failed", result.Failed, result.TotalPages)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "Pages processed in parallel (default from config)")
	runCmd.Flags().StringVar(&runCompareDir, "compare-dir", "", "Directory with a second page_N.txt extraction to score")
}

func runPipeline(ctx context.Context, a *app, pages []pii.PageID) (*pipeline.RunResult, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	p, err := a.loadPool(ctx, store)
	if err != nil {
		return nil, err
	}

	extractor, err := extract.New(a.cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	defer extractor.Close()

	builder := planner.NewBuilder(store, p, a.log.WithComponent("planner").Logger)
	return a.newPipeline(builder, store, extractor).Run(ctx, pages)
}

// newPipeline wires a pipeline for the configured output directory
func (a *app) newPipeline(builder *planner.Builder, store mapping.Store, extractor extract.Extractor) *pipeline.Pipeline {
	pl := pipeline.New(builder, extractor, a.layout, a.cfg.Pipeline, a.log.WithComponent("pipeline").Logger)
	if a.cfg.Pipeline.CompareDir != "" {
		pl.WithComparison(extract.NewTextDir(a.cfg.Pipeline.CompareDir))
	}
	// Non-file backends keep the master mapping elsewhere; mirror it next to
	// the page artifacts
	if a.cfg.Store.Backend != "file" {
		pl.WithMasterMirror(store)
	}
	return pl
}

func printRunResult(cmd *cobra.Command, r *pipeline.RunResult) {
	w := cmd.OutOrStdout()
	if jsonOutput {
		_ = outputJSON(w, r)
		return
	}

	printSection(w, "Run "+r.RunID)
	printLabelValue(w, "Pages", r.TotalPages)
	printLabelValue(w, "Certified", r.Certified)
	printLabelValue(w, "Failed", r.Failed)
	printLabelValue(w, "Skipped", r.Skipped)
	printLabelValue(w, "Duration", r.Duration.Round(time.Millisecond))
	if r.Accuracy != nil {
		printLabelValue(w, "Extraction accuracy", fmt.Sprintf("%.2f%% over %d pages", r.Accuracy.AverageAccuracy, r.Accuracy.TotalPages))
	}
	fmt.Fprintln(w)

	for _, page := range r.Pages {
		switch page.Status {
		case pipeline.StatusCertified:
			printSuccess(w, fmt.Sprintf("%s: %d entries, %d replacements", page.Page, page.Entries, page.Replacements))
		case pipeline.StatusSkipped:
			printWarning(w, fmt.Sprintf("%s: skipped, no declarations", page.Page))
		default:
			printFailure(w, fmt.Sprintf("%s: %s: %s", page.Page, page.ErrorKind, page.Error))
		}
	}
}
