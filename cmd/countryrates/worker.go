package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bher20/countryrates/internal/cron"
)

func newWorkerCmd(f *rootFlags) *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Refresh the snapshot on a schedule",
		Long: "Refresh the snapshot immediately and then on every scheduled time. The schedule is\n" +
			"integer seconds or a five-field cron expression. With a postgrespool or redis store\n" +
			"only one worker refreshes per cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, f)
			if err != nil {
				return err
			}
			defer a.Close()

			if schedule == "" {
				schedule = a.cfg.CronSchedule
			}
			if err := cron.ValidateSchedule(schedule); err != nil {
				return err
			}
			err = cron.NewWorker(a.svc, a.store, schedule, a.log).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "refresh schedule (overrides COUNTRYRATES_CRON_SCHEDULE)")
	return cmd
}
