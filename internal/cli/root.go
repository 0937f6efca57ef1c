// Package cli implements the piiswap command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	outputDir  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:     "piiswap",
	Version: "dev",
	Short:   "Deterministic PII replacement for paged documents",
	Long: `piiswap replaces declared PII on every page of a document with dummy values.

The same original always gets the same dummy across all pages, every page is
verified against its replacement plan, and every decision is kept in a master
mapping for audit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// SetVersion sets the version reported by --version
func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "", "Override the artifact directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddGroup(&cobra.Group{ID: "pipeline", Title: "Pipeline:"})
	rootCmd.AddGroup(&cobra.Group{ID: "mapping", Title: "Mapping:"})
	rootCmd.AddGroup(&cobra.Group{ID: "service", Title: "Service:"})

	rootCmd.AddCommand(runCmd, verifyCmd, combineCmd)
	rootCmd.AddCommand(exportCmd, statsCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the piiswap version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	})
}
