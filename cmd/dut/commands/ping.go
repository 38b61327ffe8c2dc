package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dutkit/dutkit/pkg/harness"
)

type reachability struct {
	Target  string `json:"target"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency"`
}

func newPingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the device is reachable",
		Long: `Resolve the device address and check that the supervisor API and the
SSH shell answer. Nothing on the device is changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			cfg.Store.Enabled = false

			env, err := harness.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := env.Close(ctx); err != nil {
					log.Warn().Err(err).Msg("failed to close environment")
				}
			}()
			ctx = env.Context(ctx)

			checks := []reachability{
				check(ctx, "address", func(ctx context.Context) (string, error) {
					return env.Device.Address(ctx)
				}),
				check(ctx, "supervisor", env.Supervisor.Ping),
				check(ctx, "ssh", func(ctx context.Context) (string, error) {
					return "", env.Shell.Ping(ctx)
				}),
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, checks); err != nil {
					return err
				}
			}

			failed := 0
			for _, c := range checks {
				if !c.OK {
					failed++
				}
				if jsonOutput {
					continue
				}
				status := "ok"
				if !c.OK {
					status = "FAIL"
				}
				fmt.Fprintf(out, "%-10s %-4s %-8s %s\n", c.Target, status, c.Latency, c.Detail)
			}
			if failed > 0 {
				return fmt.Errorf("device %s is not fully reachable", env.Device.ShortUUID())
			}
			return nil
		},
	}
	return cmd
}

func check(ctx context.Context, target string, fn func(ctx context.Context) (string, error)) reachability {
	start := time.Now()
	detail, err := fn(ctx)
	r := reachability{Target: target, OK: err == nil, Detail: detail, Latency: time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}
