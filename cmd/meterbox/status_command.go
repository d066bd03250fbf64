package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.status(cmd.Context())
			if err != nil {
				return err
			}

			rows := [][]string{
				{"State", status.State},
				{"Boot count", strconv.FormatInt(status.BootCount, 10)},
				{"Artifacts", strconv.Itoa(status.ArtifactCount)},
				{"Clock source", status.ClockSource},
				{"Settings DB", status.SettingsDBPath},
				{"Artifact dir", status.ArtifactDir},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}
