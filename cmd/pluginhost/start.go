package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <plugin-id>",
	Short: "Start an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager(cmd.Context())
		if err != nil {
			printError(err)
			return err
		}

		if err := mgr.Start(cmd.Context(), args[0]); err != nil {
			printError(err)
			return err
		}

		fmt.Printf("started %s\n", args[0])
		return nil
	},
}
