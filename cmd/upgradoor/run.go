package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

var runOpts pipeline.Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply the available update",
	Long: `Run the update pipeline. Any failing step rolls back the steps that
completed before it, newest first.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.BoolVar(&runOpts.NoBackup, "no-backup", false, "Skip the database backup")
	f.BoolVar(&runOpts.NoSnapshot, "no-snapshot", false, "Skip the code snapshot")
	f.BoolVar(&runOpts.NoBuild, "no-build", false, "Skip building assets")
	f.BoolVar(&runOpts.DryRun, "dry-run", false, "Report pending migrations, seeds and patches without applying them")
	f.BoolVar(&runOpts.Seed, "seed", false, "Run the default seeders")
	f.StringSliceVar(&runOpts.Seeders, "seeders", nil, "Seeders to run (comma-separated or repeated flag)")
	f.BoolVar(&runOpts.ForceSeedReapply, "force-seed-reapply", false, "Run seeders even if already applied")
	f.StringVar(&runOpts.BackupType, "backup-type", "", "Backup type (database, snapshot, full)")
	f.StringSliceVar(&runOpts.PostUpdateCommands, "post-update-command", nil, "Extra command to run after the cache rebuild (repeatable)")
	f.BoolVar(&runOpts.AllowDirty, "allow-dirty", false, "Update even with local modifications")
}

// signalContext cancels on SIGINT/SIGTERM. Rollbacks still run to
// completion after cancellation.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rc, runErr := a.kernel.Run(ctx, runOpts)
	if rc == nil {
		return runErr
	}

	if err := printResult(newRunResult(rc, runErr), func(w io.Writer) {
		printRunContext(w, rc, runErr)
	}); err != nil {
		return err
	}

	return runErr
}

// runResult is the machine-readable outcome of run and rollback.
type runResult struct {
	RunID            uint                       `json:"run_id"`
	Success          bool                       `json:"success"`
	Error            string                     `json:"error,omitempty"`
	FailedStep       string                     `json:"failed_step,omitempty"`
	RevisionBefore   string                     `json:"revision_before,omitempty"`
	RevisionAfter    string                     `json:"revision_after,omitempty"`
	BackupFile       string                     `json:"backup_file,omitempty"`
	SnapshotPath     string                     `json:"snapshot_path,omitempty"`
	Executed         []string                   `json:"executed"`
	Skipped          []string                   `json:"skipped,omitempty"`
	Warnings         []string                   `json:"warnings,omitempty"`
	RollbackFailures []pipeline.RollbackFailure `json:"rollback_failures,omitempty"`
	Migrations       any                        `json:"migrations,omitempty"`
}

func newRunResult(rc *pipeline.Context, err error) *runResult {
	res := &runResult{
		RunID:            rc.RunID,
		Success:          err == nil && len(rc.RollbackFailures) == 0,
		FailedStep:       rc.FailedStep,
		RevisionBefore:   rc.RevisionBefore,
		RevisionAfter:    rc.RevisionAfter,
		BackupFile:       rc.BackupFile,
		SnapshotPath:     rc.SnapshotPath,
		Executed:         rc.Executed,
		Skipped:          rc.Skipped,
		Warnings:         rc.Warnings(),
		RollbackFailures: rc.RollbackFailures,
	}

	if err != nil {
		res.Error = err.Error()
	}

	if rc.Migrations != nil {
		res.Migrations = rc.Migrations
	}

	return res
}

func printRunContext(w io.Writer, rc *pipeline.Context, err error) {
	fmt.Fprintf(w, "Run #%d\n", rc.RunID)
	fmt.Fprintf(w, "  revision: %s -> %s\n", shortRev(rc.RevisionBefore), shortRev(rc.RevisionAfter))
	fmt.Fprintf(w, "  executed: %s\n", orDash(strings.Join(rc.Executed, ", ")))

	if len(rc.Skipped) > 0 {
		fmt.Fprintf(w, "  skipped:  %s\n", strings.Join(rc.Skipped, ", "))
	}

	if rc.BackupFile != "" {
		fmt.Fprintf(w, "  backup:   %s\n", rc.BackupFile)
	}

	if rc.SnapshotPath != "" {
		fmt.Fprintf(w, "  snapshot: %s\n", rc.SnapshotPath)
	}

	if m := rc.Migrations; m != nil {
		fmt.Fprintf(w, "  migrations: %d executed, %d reconciled, %d retried, %d pending (dry run)\n",
			m.Executed, m.Reconciled, m.Retried, m.SkippedDryRun)
	}

	for _, warning := range rc.Warnings() {
		fmt.Fprintf(w, "  warning:  %s\n", warning)
	}

	for _, f := range rc.RollbackFailures {
		fmt.Fprintf(w, "  %s\n", f.String())
	}

	if err != nil {
		fmt.Fprintf(w, "Failed: %v\n", err)

		return
	}

	fmt.Fprintln(w, "Done.")
}
