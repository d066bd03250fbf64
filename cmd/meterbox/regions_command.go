package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"meterbox/internal/api"
)

func newRegionsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Show and change device capture regions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRegions(ctx, cmd)
		},
	}
	cmd.AddCommand(newRegionsListCommand(ctx))
	cmd.AddCommand(newRegionsSetCommand(ctx))
	return cmd
}

func newRegionsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List both device regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRegions(ctx, cmd)
		},
	}
}

func listRegions(ctx *commandContext, cmd *cobra.Command) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	resp, err := client.regions(cmd.Context())
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(resp.Regions))
	for _, r := range resp.Regions {
		rows = append(rows, []string{
			r.Key,
			r.DeviceID,
			r.DeviceType,
			fmt.Sprintf("(%d,%d)-(%d,%d)", r.X1, r.Y1, r.X2, r.Y2),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(),
		renderTable([]string{"Slot", "Device", "Type", "Window"}, rows, nil))
	return nil
}

func newRegionsSetCommand(ctx *commandContext) *cobra.Command {
	var (
		idFlag   string
		typeFlag string
		x1Flag   int
		y1Flag   int
		x2Flag   int
		y2Flag   int
	)

	cmd := &cobra.Command{
		Use:   "set <device1|device2>",
		Short: "Replace one device region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			updated, err := client.updateRegion(cmd.Context(), args[0], api.Region{
				DeviceID:   idFlag,
				DeviceType: typeFlag,
				X1:         x1Flag,
				Y1:         y1Flag,
				X2:         x2Flag,
				Y2:         y2Flag,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s set to device %s window (%d,%d)-(%d,%d)\n",
				updated.Key, updated.DeviceID, updated.X1, updated.Y1, updated.X2, updated.Y2)
			return nil
		},
	}

	cmd.Flags().StringVar(&idFlag, "id", "", "Device identifier (max 20 characters)")
	cmd.Flags().StringVar(&typeFlag, "type", "", "Device type (hot-water, cold-water, electric)")
	cmd.Flags().IntVar(&x1Flag, "x1", 0, "Window left edge (multiple of 8)")
	cmd.Flags().IntVar(&y1Flag, "y1", 0, "Window top edge (even)")
	cmd.Flags().IntVar(&x2Flag, "x2", 0, "Window right edge")
	cmd.Flags().IntVar(&y2Flag, "y2", 0, "Window bottom edge")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("x2")
	_ = cmd.MarkFlagRequired("y2")
	return cmd
}
