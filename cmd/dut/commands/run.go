package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dutkit/dutkit/pkg/harness"
	"github.com/dutkit/dutkit/pkg/scenario"
	"github.com/dutkit/dutkit/pkg/suites"
)

func newRunCommand() *cobra.Command {
	var (
		filter string
		modems []string
	)

	cmd := &cobra.Command{
		Use:   "run [suite...]",
		Short: "Run suites against the device",
		Long: `Run one or more suites against the configured device.

Suites run one after another; scenarios within a suite run in order. Every
scenario's teardowns run even when it fails. The command exits non-zero
when any scenario fails. Results are kept in the run history unless the
store is disabled.`,
		Example: `  # Run every suite
  dut run

  # Run the supervisor suite only
  dut run supervisor

  # Run scenarios whose title contains "lock"
  dut run supervisor --scenario lock

  # Test one modem model
  dut run modem --modem EC25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if len(modems) > 0 {
				cfg.Suites.Modem.Modems = modems
			}

			env, err := harness.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := env.Close(ctx); err != nil {
					log.Warn().Err(err).Msg("failed to close environment")
				}
			}()

			selected, err := suites.Build(env, args...)
			if err != nil {
				return err
			}

			ctx = env.Context(ctx)
			runner := env.Runner(scenario.WithFilter(filter))

			log.Info().
				Str("device", env.Device.ShortUUID()).
				Str("run_id", runner.RunID()).
				Int("suites", len(selected)).
				Msg("Starting run")

			report, err := runner.Run(ctx, selected...)
			return finishRun(cmd.OutOrStdout(), report, err)
		},
	}

	cmd.Flags().StringVarP(&filter, "scenario", "s", "", "only run scenarios whose title contains this text")
	cmd.Flags().StringSliceVar(&modems, "modem", nil, "modem models to test (overrides suites.modem.modems)")

	return cmd
}

// finishRun prints the report, partial when runErr is set, and turns it
// into the command's exit error.
func finishRun(w io.Writer, report *scenario.Report, runErr error) error {
	if report != nil {
		if jsonOutput {
			if err := writeJSON(w, report); err != nil {
				return err
			}
		} else {
			writeReport(w, report)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	if passed, failed := report.Counts(); failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, passed+failed)
	}
	return nil
}
