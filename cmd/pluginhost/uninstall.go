package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var uninstallCmd = &cobra.Command{
	Use:     "uninstall <plugin-id>",
	Aliases: []string{"remove", "rm"},
	Short:   "Uninstall a plugin",
	Long:    `Stops a running plugin, revokes its permissions, and removes its staged payload. Uninstalling an absent plugin id is a no-op success.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager(cmd.Context())
		if err != nil {
			printError(err)
			return err
		}

		if err := mgr.Uninstall(cmd.Context(), args[0]); err != nil {
			printError(err)
			return err
		}

		fmt.Printf("uninstalled %s\n", args[0])
		return nil
	},
}
