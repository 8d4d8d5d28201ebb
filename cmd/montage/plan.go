package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promontage/montage-agent/internal/filtergraph"
)

func newPlanCommand(ctx *commandContext) *cobra.Command {
	var flags layoutFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the composition plan and ffmpeg arguments for a layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts, err := planOptions(cfg)
			if err != nil {
				return err
			}
			layout, err := flags.layout()
			if err != nil {
				return err
			}
			plan, err := filtergraph.BuildPlan(opts, layout)
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), plan, asJSON)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the plan as JSON")
	return cmd
}

type planOutput struct {
	Plan          filtergraph.Plan    `json:"plan"`
	FilterComplex string              `json:"filter_complex"`
	Args          []string            `json:"args"`
	FormFields    []filtergraph.Field `json:"form_fields"`
}

func writePlan(w io.Writer, plan filtergraph.Plan, asJSON bool) error {
	args := plan.Args("avatar.mp4", "secondary.mp4", "output.mp4")
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(planOutput{
			Plan:          plan,
			FilterComplex: plan.FilterComplex(),
			Args:          args,
			FormFields:    plan.FormFields(),
		})
	}

	fmt.Fprintf(w, "Layout:  %s, avatar %s, ratio %d\n", plan.Layout.Mode, plan.Layout.Position, plan.Layout.Ratio)
	fmt.Fprintf(w, "Canvas:  %s (%s)\n", plan.Canvas, plan.Scaling)
	if plan.Axis != "" {
		fmt.Fprintf(w, "Axis:    %s\n", plan.Axis)
	}
	fmt.Fprintf(w, "Audio:   %s\n\n", plan.AudioFrom)

	rows := make([][]string, 0, len(plan.Tiles))
	for _, t := range plan.Tiles {
		rows = append(rows, []string{
			string(t.Role),
			strconv.Itoa(t.X),
			strconv.Itoa(t.Y),
			strconv.Itoa(t.Width),
			strconv.Itoa(t.Height),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Role", "X", "Y", "Width", "Height"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	))

	if o := plan.Overlay; o != nil {
		fmt.Fprintf(w, "\nOverlay: %s at %s, scale %.2f, margin %d (x=%s y=%s)\n",
			o.Role, o.Corner, o.Scale, o.Margin, o.X, o.Y)
	}

	fmt.Fprintf(w, "\nfilter_complex:\n  %s\n", plan.FilterComplex())
	fmt.Fprintf(w, "\nffmpeg %s\n", strings.Join(args, " "))
	return nil
}
