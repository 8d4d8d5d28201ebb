package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promontage/montage-agent/internal/encoder"
	"github.com/promontage/montage-agent/internal/remote"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local encoder and the processing server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.cliLogger()
			out := cmd.OutOrStdout()

			enc, err := newEncoderStack(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			writeCapabilities(out, enc.doctor.Report())

			if strings.TrimSpace(serverURL) == "" && cfg.ProcessingEndpoint() == "" {
				fmt.Fprintln(out, "\nProcessing server: not configured")
				return nil
			}
			endpoint, err := remoteEndpoint(serverURL, cfg.ProcessingEndpoint())
			if err != nil {
				return err
			}

			client := remote.NewClient(endpoint, cfg.RemoteTimeout(), logger)
			healthCtx, cancel := context.WithTimeout(cmd.Context(), cfg.TemplatesTimeout())
			defer cancel()
			health, err := client.Health(healthCtx)
			if err != nil {
				fmt.Fprintf(out, "\nProcessing server %s: unreachable (%v)\n", endpoint, err)
				return nil
			}
			fmt.Fprintf(out, "\nProcessing server %s: %s, ffmpeg %s\n", endpoint, health.Status, yesNo(health.FFmpeg))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server-url", "", "Processing server base URL (defaults to the configured endpoint)")
	return cmd
}

func writeCapabilities(w io.Writer, report encoder.Report) {
	caps := report.Capabilities
	if caps == nil {
		if report.LastError != "" {
			fmt.Fprintf(w, "Local encoder: probe failed (%s)\n", report.LastError)
		} else {
			fmt.Fprintln(w, "Local encoder: not probed")
		}
		return
	}
	rows := [][]string{
		toolRow("ffmpeg", caps.FFmpeg),
		toolRow("ffprobe", caps.FFprobe),
	}
	fmt.Fprintln(w, renderTable([]string{"Tool", "Available", "Path", "Version"}, rows, nil))
	if report.Stale {
		fmt.Fprintf(w, "Latest probe failed (%s); showing the previous result\n", report.LastError)
	}
	if caps.CanEncode() {
		fmt.Fprintln(w, "Local processing: available")
	} else {
		fmt.Fprintln(w, "Local processing: unavailable")
	}
}

func toolRow(name string, info encoder.ToolInfo) []string {
	detail := info.Version
	if !info.Available && info.Error != "" {
		detail = info.Error
	}
	return []string{name, yesNo(info.Available), info.Path, detail}
}
