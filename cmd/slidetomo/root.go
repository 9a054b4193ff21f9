// slidetomo reconstructs the solar corona from sliding windows of
// coronagraph or EUV observations.
//
// Usage:
//
//	slidetomo init-config [--config=slidetomo.yaml] [--force]
//	slidetomo simulate --out=<dir> [--count=N] [--pixels=N]
//	slidetomo run [--config=slidetomo.yaml] [--data=<dir>] [--metrics-addr=:9090]
package main

import (
	"github.com/spf13/cobra"

	"slidetomo/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	logLevel  string
	logFormat string
}

var rootCmd = &cobra.Command{
	Use:   "slidetomo",
	Short: "Sliding-window tomographic reconstruction",
	Long: "slidetomo inverts time windows of observations into 3D emissivity cubes,\n" +
		"warm-starting each window from the solution of the previous one.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logging.Init(logging.ParseLevel(rootFlags.logLevel), rootFlags.logFormat, cmd.ErrOrStderr())
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.Version = version
}
