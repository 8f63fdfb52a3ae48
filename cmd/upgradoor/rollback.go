package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/upgradoor/pkg/updater"
)

var rollbackReq updater.RollbackRequest

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back an update run",
	Long: `Restore the code, snapshot and database recorded by an update run.
Without --run the latest finished update that was not rolled back is used.`,
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)

	f := rollbackCmd.Flags()
	f.UintVar(&rollbackReq.RunID, "run", 0, "Update run to roll back")
	f.StringVar(&rollbackReq.Revision, "revision", "", "Revision to reset the code to")
	f.StringVar(&rollbackReq.BackupFile, "backup-file", "", "Database backup to restore")
	f.StringVar(&rollbackReq.SnapshotPath, "snapshot", "", "Code snapshot to restore")
	f.BoolVar(&rollbackReq.SkipDatabase, "skip-database", false, "Do not restore the database")
	f.BoolVar(&rollbackReq.SkipSnapshot, "skip-snapshot", false, "Do not restore the code snapshot")
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rc, rbErr := a.kernel.Rollback(ctx, rollbackReq)
	if rc == nil {
		return rbErr
	}

	if err := printResult(newRunResult(rc, rbErr), func(w io.Writer) {
		printRunContext(w, rc, rbErr)
	}); err != nil {
		return err
	}

	if rbErr != nil {
		return rbErr
	}

	if n := len(rc.RollbackFailures); n > 0 {
		return fmt.Errorf("%d rollback steps failed", n)
	}

	return nil
}
