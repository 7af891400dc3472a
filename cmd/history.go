package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"caravel/internal/config"
	"caravel/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent pipeline runs",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return err
	}

	if !cfg.Store.Enabled {
		return fmt.Errorf("run history requires the store: set store.enabled = true and a database URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := store.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Bootstrap(ctx, db); err != nil {
		return err
	}

	records, err := store.NewRunStore(db).ListRecent(ctx, historyLimit)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tBRANCH\tCOMMIT\tSTATE\tSTATUS\tSTARTED\tDURATION\tFAILED STAGE")
	for _, rec := range records {
		duration := "-"
		if rec.EndedAt != nil {
			duration = rec.EndedAt.Sub(rec.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(rec.ID, 8),
			rec.Branch,
			truncate(rec.Commit, 12),
			rec.State,
			rec.Status,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			rec.FailedStage,
		)
	}
	return w.Flush()
}

// truncate shortens display columns; stored values may be any length.
func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
