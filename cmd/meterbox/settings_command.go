package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newSettingsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show and change runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSettings(ctx, cmd)
		},
	}
	cmd.AddCommand(newSettingsShowCommand(ctx))
	cmd.AddCommand(newSettingsSetCommand(ctx))
	return cmd
}

func newSettingsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the runtime settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSettings(ctx, cmd)
		},
	}
}

func showSettings(ctx *commandContext, cmd *cobra.Command) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	op, err := client.settings(cmd.Context())
	if err != nil {
		return err
	}

	rows := [][]string{
		{"Recognition", strconv.FormatBool(op.OCREnabled)},
		{"Upload", strconv.FormatBool(op.CopyToServer)},
		{"Server", op.ServerPath},
		{"Sleep", strconv.FormatBool(op.SleepEnabled)},
		{"Sleep seconds", strconv.Itoa(op.SleepSeconds)},
		{"Sensor gain", strconv.Itoa(op.AGCGain)},
		{"Exposure", strconv.Itoa(op.AECValue)},
		{"Flash duty", strconv.Itoa(op.FlashDuty)},
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows, nil))
	return nil
}

func newSettingsSetCommand(ctx *commandContext) *cobra.Command {
	var (
		ocrFlag          bool
		uploadFlag       bool
		serverFlag       string
		sleepFlag        bool
		sleepSecondsFlag int
		gainFlag         int
		aecFlag          int
		flashFlag        int
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update runtime settings; unspecified flags keep their value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			op, err := client.settings(cmd.Context())
			if err != nil {
				return err
			}

			apply := map[string]func(){
				"ocr":           func() { op.OCREnabled = ocrFlag },
				"upload":        func() { op.CopyToServer = uploadFlag },
				"server":        func() { op.ServerPath = serverFlag },
				"sleep":         func() { op.SleepEnabled = sleepFlag },
				"sleep-seconds": func() { op.SleepSeconds = sleepSecondsFlag },
				"gain":          func() { op.AGCGain = gainFlag },
				"exposure":      func() { op.AECValue = aecFlag },
				"flash-duty":    func() { op.FlashDuty = flashFlag },
			}
			changed := false
			for name, fn := range apply {
				if cmd.Flags().Changed(name) {
					fn()
					changed = true
				}
			}
			if !changed {
				return fmt.Errorf("no settings flags provided")
			}

			if _, err := client.updateSettings(cmd.Context(), op); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "settings updated")
			return nil
		},
	}

	cmd.Flags().BoolVar(&ocrFlag, "ocr", false, "Enable text recognition")
	cmd.Flags().BoolVar(&uploadFlag, "upload", false, "Enable artifact upload")
	cmd.Flags().StringVar(&serverFlag, "server", "", "Upload server URL")
	cmd.Flags().BoolVar(&sleepFlag, "sleep", false, "Enable suspend on inactivity")
	cmd.Flags().IntVar(&sleepSecondsFlag, "sleep-seconds", 0, "Suspend duration in seconds (minimum 30)")
	cmd.Flags().IntVar(&gainFlag, "gain", 0, "Sensor gain (0-30)")
	cmd.Flags().IntVar(&aecFlag, "exposure", 0, "Sensor exposure (0-1200)")
	cmd.Flags().IntVar(&flashFlag, "flash-duty", 0, "Flash duty (0-255)")
	return cmd
}
