package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dutkit/dutkit/pkg/config"
)

var (
	// Global flags
	configPath string
	envFile    string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dut",
		Short: "dutkit - device convergence test harness",
		Long: `dut runs scenario suites against one device under test.

Each scenario acts on the device through the fleet cloud API, the on-device
supervisor API or an SSH shell, then waits for the device to converge on
the expected state within a bounded polling budget.

Suites:
  - supervisor: release updates, deltas, supervisor reload, update locks
  - devicetree: dtoverlay and dtparam applied through the target state
  - modem:      cellular modem bring-up and connectivity`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .yml, .cue or a CUE directory)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPingCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadConfig reads the dotenv overlay and the config file, applies the
// environment and validates the result.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("config", cfg.Source).Str("device", cfg.Device.UUID).Msg("configuration loaded")
	return cfg, nil
}
