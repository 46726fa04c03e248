package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aradsms/teams_telephony/internal/inventory_service/repository/postgres"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one lifecycle sweep and exit",
	Long: `Ages numbers whose reservation has expired and releases aged numbers,
using the same thresholds as the serve worker. Suitable for a cron job when
the serve process runs with a long LIFECYCLE_SWEEP_INTERVAL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := newBase(ctx)
		if err != nil {
			return err
		}
		defer b.close()

		lifecycle := b.lifecycle(postgres.NewPgInventoryRepository(b.pool, b.logger))
		res, err := lifecycle.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("lifecycle sweep: %w", err)
		}
		b.logger.Info("Lifecycle sweep finished", "aged", res.Aged, "released", res.Released, "failed", res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("lifecycle sweep: %d records failed", res.Failed)
		}
		return nil
	},
}
