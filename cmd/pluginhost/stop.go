package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <plugin-id>",
	Short: "Stop a running plugin",
	Long:  `Stopping a plugin that is not running is a no-op.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager(cmd.Context())
		if err != nil {
			printError(err)
			return err
		}

		if err := mgr.Stop(cmd.Context(), args[0]); err != nil {
			printError(err)
			return err
		}

		fmt.Printf("stopped %s\n", args[0])
		return nil
	},
}
