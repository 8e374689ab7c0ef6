package commands

import (
	"fmt"

	"github.com/gridshare/storaged/pkg/storage/crawlstate"
	"github.com/spf13/cobra"
)

var (
	picklePath    string
	jsonStatePath string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate a legacy pickled lease_checker.state file to JSON",
	Long: `Migrate reads a legacy Python pickle-encoded crawler state file,
translates it to this module's JSON state schema, writes the result, and
removes the pickle file so the migration cannot be re-run against stale
input.

This is a one-shot, offline tool: stop storaged before running it, and do
not point --out at a state file storaged is currently reading.

Examples:
  storaged-crawlstate migrate --in /var/lib/storaged/lease_checker.state \
      --out /var/lib/storaged/lease_checker.state.json`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&picklePath, "in", "", "path to the legacy pickled state file (required)")
	migrateCmd.Flags().StringVar(&jsonStatePath, "out", "", "path to write the migrated JSON state file (required)")
	_ = migrateCmd.MarkFlagRequired("in")
	_ = migrateCmd.MarkFlagRequired("out")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	st, err := crawlstate.MigrateLegacyPickle(picklePath, jsonStatePath)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	cmd.Printf("Migration completed successfully\n")
	cmd.Printf("  current-cycle:        %d\n", st.CurrentCycle)
	cmd.Printf("  last-complete-prefix: %q\n", st.LastCompletePrefix)
	cmd.Printf("  last-complete-bucket: %q\n", st.LastCompleteBucket)
	cmd.Printf("  written to:           %s\n", jsonStatePath)
	return nil
}
