package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dutkit/dutkit/pkg/harness"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		events bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Long: `Show the run history kept in the local store.

Without arguments the most recent runs are listed. With a run ID the
scenarios of that run are shown, and with --events its event log.`,
		Example: `  # Last 10 runs
  dut history --limit 10

  # Scenarios of one run
  dut history 3f9c2b1e-6d0a-4c4e-9a55-1f1c1b8f0d2a

  # Events of one run as JSON
  dut history 3f9c2b1e-6d0a-4c4e-9a55-1f1c1b8f0d2a --events --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := harness.OpenStore(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close run history")
				}
			}()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, runs)
				}
				return writeRuns(out, runs)
			}

			runID := args[0]
			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}

			if events {
				evs, err := store.GetEvents(ctx, &runID, nil, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, evs)
				}
				for _, e := range evs {
					fmt.Fprintf(out, "%s  %-5s  %-22s %s\n", e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Type, e.Message)
				}
				return nil
			}

			results, err := store.ListScenarioResults(ctx, runID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, map[string]any{"run": run, "scenarios": results})
			}
			fmt.Fprintf(out, "run %s on %s: %s (%d passed, %d failed)\n", run.ID, run.Device, run.Status, run.Passed, run.Failed)
			for _, r := range results {
				fmt.Fprintf(out, "  %-6s %s / %s (%dms)\n", r.Status, r.Suite, r.Title, r.DurationMS)
				if r.Failure != nil {
					fmt.Fprintf(out, "         %s\n", *r.Failure)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs or events to show")
	cmd.Flags().BoolVar(&events, "events", false, "show the event log of the run")

	return cmd
}
