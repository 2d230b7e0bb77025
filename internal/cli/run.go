package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fwmon/fwmon/internal/metrics"
	"github.com/fwmon/fwmon/internal/store"
	"github.com/fwmon/fwmon/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitoring daemon",
	Long: `Start sampling workers for every enabled target and write aggregated
records to the database until interrupted.

Old records are pruned once at startup according to database.retention_days.
SIGINT or SIGTERM stops all workers, flushes in-flight writes, and exits.

Examples:
  fwmon run
  fwmon run --config /etc/fwmon/fwmon.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger("[fwmon]")

	st, err := store.Open(cfg.Database.Path, cfg.Database.PoolSize, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Database.RetentionDays)
		if n, err := st.Prune(context.Background(), cutoff); err != nil {
			log.Warn("startup prune failed: %v", err)
		} else if n > 0 {
			fmt.Printf("Pruned %d records older than %d days\n", n, cfg.Database.RetentionDays)
		}
	}

	sup := supervisor.New(st, cfg, log)
	if err := sup.RegisterAll(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.StartAll(ctx); err != nil {
		return err
	}
	fmt.Printf("Monitoring %d targets, database %s\n", len(cfg.EnabledTargets()), cfg.Database.Path)

	var obs *metrics.Server
	if cfg.Metrics.Enabled {
		obs = metrics.NewServer(cfg.Metrics.Addr, sup, log)
		go func() {
			if err := obs.Start(); err != nil {
				log.Error("observability endpoint failed: %v", err)
			}
		}()
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	sup.StopAll()
	if obs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}

	fmt.Println("All workers stopped")
	return nil
}
