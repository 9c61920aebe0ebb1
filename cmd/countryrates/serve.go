package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bher20/countryrates/internal/api"
	"github.com/bher20/countryrates/internal/auth"
	"github.com/bher20/countryrates/internal/cron"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, f, withWorker)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (overrides COUNTRYRATES_ADDR)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the scheduled refresh worker in this process")
	return cmd
}

func serve(ctx context.Context, f *rootFlags, withWorker bool) error {
	a, err := newApp(ctx, f)
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := auth.ParseAPIKeys(a.cfg.APIKeys)
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(keys)
	if err != nil {
		return err
	}
	if !authSvc.Enabled() {
		a.log.Warn("no API keys configured; write routes are open")
	}

	router := api.NewRouter(api.Deps{
		Service: a.svc,
		Auth:    authSvc,
		Logger:  a.log,
		Version: version,
	})
	srv := api.NewServer(a.cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", zap.String("addr", a.cfg.Addr))
		return serverError(srv.ListenAndServe())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if withWorker {
		w := cron.NewWorker(a.svc, a.store, a.cfg.CronSchedule, a.log)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
