package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/promontage/montage-agent/internal/db"
	"github.com/promontage/montage-agent/internal/history"
	"github.com/promontage/montage-agent/internal/logging"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent processing runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > history.MaxListLimit {
				return fmt.Errorf("--limit must be between 1 and %d", history.MaxListLimit)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			database, err := db.NewReader(cfg.DBPath(), logging.Discard())
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			runs, err := history.NewRepository(database.Conn()).ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			writeRuns(cmd.OutOrStdout(), runs, time.Now())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func writeRuns(w io.Writer, runs []*history.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		size := "-"
		if r.ResultBytes > 0 {
			size = humanize.IBytes(uint64(r.ResultBytes))
		}
		state := r.State
		if r.ErrorKind != "" {
			state += " (" + r.ErrorKind + ")"
		}
		rows = append(rows, []string{
			shortID(r.ID),
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Backend,
			r.Mode + "/" + r.Position,
			state,
			strconv.Itoa(r.Progress) + "%",
			size,
			r.Duration().Round(time.Second).String(),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Run", "Started", "Backend", "Layout", "State", "Progress", "Size", "Took"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
}
