package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tflow/attachstore/internal/config"
)

// defaultConfigFile is written when --config is not given.
const defaultConfigFile = "attachd.yaml"

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write the default attachd configuration to a YAML file.

The file is created at the path given by --config, or attachd.yaml in the
current directory.

Examples:
  attachd init
  attachd init --config /etc/attachstore/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = defaultConfigFile
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := config.NewDefault().SaveToFile(path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Set remote.ftp.host (or remote.s3.bucket) before running: attachd serve --config", path)
	return nil
}
