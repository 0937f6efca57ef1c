package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/raaihank/piiswap/internal/pool"
)

// Stats summarizes the master mapping and dummy pool usage
type Stats struct {
	Backend   string           `json:"backend"`
	Pages     int              `json:"pages"`
	Entries   int              `json:"entries"`
	Originals int              `json:"originals"`
	Dummies   int              `json:"dummies"`
	Pool      []pool.TypeStats `json:"pool"`
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show master mapping and dummy pool usage",
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

		ctx := context.Background()
		master, err := store.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to read master mapping: %w", err)
		}
		assignments, err := store.Assignments(ctx)
		if err != nil {
			return fmt.Errorf("failed to read assignments: %w", err)
		}

		p, err := a.loadPool(ctx, store)
		if err != nil {
			return err
		}

		stats := Stats{
			Backend:   a.cfg.Store.Backend,
			Pages:     len(master.Pages),
			Originals: len(assignments),
			Dummies:   len(assignments),
			Pool:      p.Stats(),
		}
		for _, plan := range master.Pages {
			stats.Entries += plan.Len()
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(w, stats)
		}

		printSection(w, "Master Mapping")
		printLabelValue(w, "Backend", stats.Backend)
		printLabelValue(w, "Pages", stats.Pages)
		printLabelValue(w, "Entries", stats.Entries)
		printLabelValue(w, "Originals assigned", stats.Originals)
		printLabelValue(w, "Dummies in use", stats.Dummies)

		printSection(w, "Dummy Pool")
		rows := make([][]string, 0, len(stats.Pool))
		for _, s := range stats.Pool {
			rows = append(rows, []string{
				string(s.Type),
				strconv.Itoa(s.Total),
				strconv.Itoa(s.Consumed),
				strconv.Itoa(s.Remaining),
			})
		}
		printTable(w, []string{"Type", "Total", "Used", "Remaining"}, rows)
		return nil
	},
}
