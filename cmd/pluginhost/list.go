package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, err := buildManager(cmd.Context())
		if err != nil {
			printError(err)
			return err
		}

		records := mgr.List()
		if len(records) == 0 {
			fmt.Println("no plugins installed")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer func() { _ = w.Flush() }()

		fmt.Fprintln(w, "ID\tVERSION\tTYPE\tSTATE\tFAILURE")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.Manifest.ID, rec.Manifest.Version, rec.Manifest.PluginType, rec.State, rec.FailureKind)
		}
		return nil
	},
}
