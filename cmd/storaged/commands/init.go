package commands

import (
	"fmt"

	"github.com/gridshare/storaged/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample storaged configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/storaged/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  storaged init

  # Initialize with custom path
  storaged init --config /etc/storaged/config.yaml

  # Force overwrite existing config
  storaged init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cmd.Printf("Configuration file created at: %s\n", configPath)
	cmd.Println("\nNext steps:")
	cmd.Println("  1. Edit the configuration file to customize your setup")
	cmd.Println("  2. Start the server with: storaged start")
	cmd.Printf("  3. Or specify custom config: storaged start --config %s\n", configPath)

	return nil
}
