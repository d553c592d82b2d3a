package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install <archive>",
	Short: "Install a plugin package",
	Long: `Extract, verify, and request permissions for a plugin archive.

A required permission denial makes the command fail with the denial
error, and the plugin stays registered in the "verified" state. Running
install again for the same plugin is rejected because it is already
installed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager(cmd.Context())
		if err != nil {
			printError(err)
			return err
		}

		rec, err := mgr.Install(cmd.Context(), args[0])
		if err != nil {
			printError(err)
			return err
		}

		fmt.Printf("installed %s@%s (%s)\n", rec.Manifest.ID, rec.Manifest.Version, rec.State)
		return nil
	},
}
