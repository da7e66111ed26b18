// Package cmd holds the manimate command line: the server and its thin clients.
package cmd

import "github.com/spf13/cobra"

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "manimate",
		Short:         "Multi-script generation orchestrator",
		Long:          "manimate submits topics to the script generation service, polls every issued job token and pushes each finished script to connected clients as it lands.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newWatchCmd(),
	)
	return rootCmd
}
