package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/remote"
)

// remoteEndpoint resolves the processing server: the flag wins over the
// configured endpoint.
func remoteEndpoint(flag, configured string) (string, error) {
	raw := strings.TrimSpace(flag)
	if raw == "" {
		raw = configured
	}
	if raw == "" {
		return "", errors.New("no processing server: pass --server-url or set processing.endpoint")
	}
	return processing.NormalizeEndpoint(raw)
}

func newTemplatesCommand(ctx *commandContext) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the subtitle templates of the processing server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			endpoint, err := remoteEndpoint(serverURL, cfg.ProcessingEndpoint())
			if err != nil {
				return err
			}

			client := remote.NewClient(endpoint, cfg.RemoteTimeout(), ctx.cliLogger(),
				remote.WithTemplatesTimeout(cfg.TemplatesTimeout()))
			templates, err := client.Templates(cmd.Context())
			if err != nil {
				return describe(err)
			}

			out := cmd.OutOrStdout()
			if len(templates) == 0 {
				fmt.Fprintln(out, "No subtitle templates available")
				return nil
			}
			rows := make([][]string, 0, len(templates))
			for _, t := range templates {
				rows = append(rows, []string{t.ID, t.Name})
			}
			fmt.Fprintln(out, renderTable([]string{"ID", "Name"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server-url", "", "Processing server base URL (defaults to the configured endpoint)")
	return cmd
}
