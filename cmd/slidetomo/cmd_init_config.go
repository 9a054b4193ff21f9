package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"slidetomo/pkg/config"
)

var initConfigFlags struct {
	path  string
	force bool
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default configuration file",
	RunE:  runInitConfig,
}

func init() {
	f := initConfigCmd.Flags()
	f.StringVarP(&initConfigFlags.path, "config", "c", "slidetomo.yaml", "Configuration file to create")
	f.BoolVar(&initConfigFlags.force, "force", false, "Overwrite an existing file")
}

func runInitConfig(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(initConfigFlags.path); err == nil && !initConfigFlags.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", initConfigFlags.path)
	}
	if err := config.CreateDefaultConfigFile(initConfigFlags.path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", initConfigFlags.path)
	return nil
}
