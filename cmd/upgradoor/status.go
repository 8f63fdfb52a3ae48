package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current revision, lock and last run",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.kernel.Status(ctx)
	if err != nil {
		return err
	}

	return printResult(st, func(w io.Writer) {
		fmt.Fprintf(w, "Enabled:  %t\n", st.Enabled)
		fmt.Fprintf(w, "Mode:     %s, channel %s\n", st.Mode, st.Channel)
		fmt.Fprintf(w, "Revision: %s\n", shortRev(st.Revision))

		if st.LockHolder != nil {
			fmt.Fprintf(w, "Lock:     held by pid %d on %s for %s\n",
				st.LockHolder.HolderPID, orDash(st.LockHolder.Hostname),
				st.LockHolder.Age(time.Now()).Round(time.Second))
		} else {
			fmt.Fprintln(w, "Lock:     free")
		}

		if r := st.LastRun; r != nil {
			fmt.Fprintf(w, "Last run: #%d %s %s (%s)\n", r.ID, r.Kind, r.Status,
				r.StartedAt.Local().Format(time.DateTime))
		}
	})
}
