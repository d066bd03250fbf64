package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newArtifactsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List and fetch stored reading artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listArtifacts(ctx, cmd)
		},
	}
	cmd.AddCommand(newArtifactsListCommand(ctx))
	cmd.AddCommand(newArtifactsGetCommand(ctx))
	return cmd
}

func newArtifactsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored artifacts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listArtifacts(ctx, cmd)
		},
	}
}

func listArtifacts(ctx *commandContext, cmd *cobra.Command) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	resp, err := client.artifacts(cmd.Context())
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(resp.Artifacts))
	for _, a := range resp.Artifacts {
		rows = append(rows, []string{
			a.Name,
			a.DeviceID,
			time.Unix(a.Timestamp, 0).UTC().Format(time.RFC3339),
			strconv.FormatInt(a.BootCount, 10),
			a.Text,
			strconv.FormatInt(a.Size, 10),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Name", "Device", "Recorded", "Boot", "Reading", "Bytes"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
	return nil
}

func newArtifactsGetCommand(ctx *commandContext) *cobra.Command {
	var outputFlag string

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Download an artifact to a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			data, err := client.download(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			output := outputFlag
			if output == "" {
				output = args[0]
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file path (defaults to the artifact name)")
	return cmd
}
