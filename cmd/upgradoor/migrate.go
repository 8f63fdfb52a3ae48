package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/upgradoor/pkg/lock"
	"github.com/ethpandaops/upgradoor/pkg/migrate"
)

var migrateOpts migrate.Options

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations outside an update",
	Long: `Run the migration engine on its own. Drift between the ledger and the
schema is reconciled unless --strict is given. The update lock is held for
the duration.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	f := migrateCmd.Flags()
	f.StringVar(&migrateOpts.Database, "database", "", "Database connection name")
	f.StringVar(&migrateOpts.Path, "path", "", "Migration directory or file")
	f.BoolVar(&migrateOpts.Strict, "strict", false, "Fail on drift instead of reconciling")
	f.BoolVar(&migrateOpts.DryRun, "dry-run", false, "Inspect without applying")
	f.IntVar(&migrateOpts.MaxRetries, "max-retries", -1, "Retries on lock contention (default from config)")
	f.DurationVar(&migrateOpts.Backoff, "backoff", 0, "Base backoff between retries (default from config)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := migrateOpts
	mc := a.cfg.Migrations

	if opts.Database == "" {
		opts.Database = mc.Database
	}

	if opts.Path != "" {
		opts.Path = a.cfg.ResolvePath(opts.Path)
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = mc.MaxRetries
	}

	if opts.Backoff == 0 {
		opts.Backoff = mc.Backoff
	}

	opts.Strict = opts.Strict || mc.Strict

	engine := a.engine
	if engine == nil {
		engine = migrate.NewEngine(log, migrate.NewResolver(log, a.cfg.Databases), "")
	}

	key := a.cfg.Updater.Lock.Key

	ok, err := a.locks.Acquire(ctx, key, a.cfg.Updater.Lock.Timeout)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s", lock.ErrNotAcquired, key)
	}

	defer func() {
		if err := a.locks.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release update lock")
		}
	}()

	start := time.Now()

	summary, runErr := engine.Run(ctx, opts, a.reporter)
	if summary == nil {
		return runErr
	}

	if err := printResult(summary, func(w io.Writer) {
		fmt.Fprintf(w, "Migrations: %d total, %d executed, %d reconciled, %d retried, %d failed",
			summary.Total, summary.Executed, summary.Reconciled, summary.Retried, summary.Failed)

		if opts.DryRun {
			fmt.Fprintf(w, ", %d pending", summary.SkippedDryRun)
		}

		fmt.Fprintf(w, " in %s\n", time.Since(start).Round(time.Millisecond))

		for _, d := range summary.Divergences {
			fmt.Fprintf(w, "  reconciled %s: %s\n", d.Migration, d.Message)
		}
	}); err != nil {
		return errors.Join(runErr, err)
	}

	return runErr
}
