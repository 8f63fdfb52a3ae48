package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/upgradoor/pkg/api"
	"github.com/ethpandaops/upgradoor/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the update scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := scheduler.New(log, a.kernel, a.cfg.Updater.AutoUpdate)
	if err != nil {
		return err
	}

	srv := api.NewServer(log, &a.cfg.API, a.kernel, a.store)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// The scheduler starts after the API is listening.
	if err := sched.Start(ctx); err != nil {
		_ = srv.Stop()

		return fmt.Errorf("starting scheduler: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	var g errgroup.Group

	g.Go(sched.Stop)
	g.Go(srv.Stop)

	return g.Wait()
}
