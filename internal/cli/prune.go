package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fwmon/fwmon/internal/store"
)

var pruneDays int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete records past the retention horizon",
	Long: `Delete aggregated records older than the retention window and report
how many were removed. Defaults to database.retention_days from the config.

Safe to run while the daemon is writing.

Examples:
  fwmon prune
  fwmon prune --days 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pruneCommand()
	},
}

func init() {
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "retention in days (default: config retention_days)")
	rootCmd.AddCommand(pruneCmd)
}

func pruneCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	days := pruneDays
	if days <= 0 {
		days = cfg.Database.RetentionDays
	}

	st, err := store.Open(cfg.Database.Path, cfg.Database.PoolSize, newLogger("[prune]"))
	if err != nil {
		return err
	}
	defer st.Close()

	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := st.Prune(context.Background(), cutoff)
	if err != nil {
		return err
	}

	fmt.Printf("Pruned %d records older than %d days\n", n, days)
	return nil
}
