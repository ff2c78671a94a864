// Command foundry drives device provisioning sessions from a control
// server or the terminal.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/foundry/internal/config"
)

// globalFlags override configuration for every subcommand.
type globalFlags struct {
	dbPath      string
	devicesFile string
	debug       bool
}

func main() {
	var (
		flags globalFlags
		cfg   config.Config
	)

	root := &cobra.Command{
		Use:           "foundry",
		Short:         "Flash and provision devices on a test fixture",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(config.EnvFile()); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			cfg = config.Load()
			if flags.dbPath != "" {
				cfg.DBPath = flags.dbPath
			}
			if flags.devicesFile != "" {
				cfg.DevicesFile = flags.devicesFile
			}
			if flags.debug {
				cfg.LogLevel = slog.LevelDebug
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides FOUNDRY_DB_PATH)")
	root.PersistentFlags().StringVar(&flags.devicesFile, "devices", "", "Device catalog file (overrides FOUNDRY_DEVICES_FILE)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	root.AddCommand(serveCmd(&cfg))
	root.AddCommand(runCmd(&cfg))
	root.AddCommand(statsCmd(&cfg))
	root.AddCommand(runsCmd(&cfg))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
