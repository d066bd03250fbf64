package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Trigger a reading batch for both devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			resp, err := client.capture(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(resp.Results))
			failures := 0
			for _, r := range resp.Results {
				outcome := "stored"
				switch {
				case r.Error != "":
					outcome = r.ErrorKind
					failures++
				case r.Uploaded:
					outcome = "stored+uploaded"
				}
				rows = append(rows, []string{r.DeviceKey, r.DeviceID, r.Text, r.Artifact, outcome})
			}
			fmt.Fprintln(cmd.OutOrStdout(),
				renderTable([]string{"Slot", "Device", "Reading", "Artifact", "Outcome"}, rows, nil))

			if failures > 0 {
				return fmt.Errorf("%d of %d devices failed", failures, len(resp.Results))
			}
			return nil
		},
	}
}
