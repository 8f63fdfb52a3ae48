package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var checkAllowDirty bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether an update is available",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkAllowDirty, "allow-dirty", false,
		"Do not treat local modifications as blocking")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.kernel.Check(ctx, checkAllowDirty)
	if err != nil {
		return err
	}

	return printResult(res, func(w io.Writer) {
		fmt.Fprintf(w, "Current:  %s\n", shortRev(res.CurrentRevision))
		fmt.Fprintf(w, "Target:   %s (%s)\n", shortRev(res.TargetRevision), orDash(res.Target))
		fmt.Fprintf(w, "Mode:     %s, channel %s\n", res.Mode, res.Channel)
		fmt.Fprintf(w, "Behind:   %d commit(s), ahead %d\n", res.BehindBy, res.AheadBy)
		fmt.Fprintf(w, "Clean:    %t\n", res.Clean)

		if res.CanUpdate {
			fmt.Fprintln(w, "Update available.")
		} else {
			fmt.Fprintf(w, "No update: %s\n", res.Reason)
		}
	})
}
