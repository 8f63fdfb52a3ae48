package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/upgradoor/pkg/store"
)

var (
	historyLimit int
	historyRun   uint
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs, or one run's events and artifacts",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to list")
	historyCmd.Flags().UintVar(&historyRun, "run", 0, "Show the events and artifacts of one run")
}

type runDetail struct {
	Run       *store.Run        `json:"run"`
	Events    []store.StepEvent `json:"events"`
	Artifacts []store.Artifact  `json:"artifacts"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st := store.NewStore(log, &cfg.Store)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() { _ = st.Stop() }()

	if historyRun != 0 {
		return showRun(ctx, st, historyRun)
	}

	runs, err := st.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}

	return printResult(runs, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSTARTED\tFROM\tTO\tERROR")

		for _, r := range runs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Kind, r.Status,
				r.StartedAt.Local().Format(time.DateTime),
				shortRev(r.RevisionBefore), shortRev(r.RevisionAfter),
				orDash(r.Error))
		}

		_ = tw.Flush()
	})
}

func showRun(ctx context.Context, st store.Store, id uint) error {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return err
	}

	events, err := st.ListEvents(ctx, id)
	if err != nil {
		return err
	}

	artifacts, err := st.ListArtifacts(ctx, id)
	if err != nil {
		return err
	}

	detail := &runDetail{Run: run, Events: events, Artifacts: artifacts}

	return printResult(detail, func(w io.Writer) {
		fmt.Fprintf(w, "Run #%d %s %s\n", run.ID, run.Kind, run.Status)

		if run.Error != "" {
			fmt.Fprintf(w, "Error: %s\n", run.Error)
		}

		fmt.Fprintln(w, "\nEvents:")

		for _, e := range events {
			fmt.Fprintf(w, "  %s %-7s %-18s %s %s\n",
				e.CreatedAt.Local().Format(time.TimeOnly), e.Level,
				orDash(e.Step), e.Message, e.Context)
		}

		if len(artifacts) > 0 {
			fmt.Fprintln(w, "\nArtifacts:")

			for _, art := range artifacts {
				fmt.Fprintf(w, "  %-8s %s (%d bytes) %s\n",
					art.Kind, art.Path, art.SizeBytes, art.Location)
			}
		}
	})
}
