// Package commands implements the storaged-crawlstate CLI commands.
package commands

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "storaged-crawlstate",
	Short: "Offline tools for the storaged crawler's persisted state",
	Long: `storaged-crawlstate operates on a crawler state/history pair while
the server is not running: migrating a legacy pickled state file to the
current JSON schema, and similar one-shot maintenance tasks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
