package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/export"
)

var (
	exportOut              string
	exportIncludeOriginals bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the master mapping as Parquet",
	Long: `Write one row per page entry of the master mapping to a Parquet file.
Originals are exported as fingerprints unless --include-originals is set.`,
	GroupID: "mapping",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		master, err := store.Snapshot(context.Background())
		if err != nil {
			return fmt.Errorf("failed to read master mapping: %w", err)
		}

		out := exportOut
		if out == "" {
			out = filepath.Join(a.cfg.Pipeline.OutputDir, "master_pii.parquet")
		}

		n, err := export.WriteParquet(out, master, export.Options{IncludeOriginals: exportIncludeOriginals})
		if err != nil {
			return err
		}
		a.log.Info("Master mapping exported",
			zap.String("path", out),
			zap.Int("rows", n),
			zap.Bool("include_originals", exportIncludeOriginals))

		w := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(w, map[string]interface{}{"path": out, "rows": n})
		}
		printSuccess(w, fmt.Sprintf("Exported %d rows to %s", n, out))
		if exportIncludeOriginals {
			printWarning(w, "Export contains clear-text originals")
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Parquet file to write (default <output_dir>/master_pii.parquet)")
	exportCmd.Flags().BoolVar(&exportIncludeOriginals, "include-originals", false, "Write clear-text originals")
}
