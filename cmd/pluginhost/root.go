package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	iniFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "pluginhost",
	Short: "A desktop plugin host core",
	Long: `pluginhost loads, verifies, sandboxes, and supervises desktop plugins.

It compiles a signed plugin package through the pipeline:
  install (verify signature) → grant permissions → start (sandbox) → monitor`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "host config file (default: ~/.pluginhost/host.yaml)")
	rootCmd.PersistentFlags().StringVar(&iniFile, "legacy-config", "", "legacy .ini config file, applied after --config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(listCmd)
}

func printError(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
}
