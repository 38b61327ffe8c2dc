package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dutkit/dutkit/pkg/device"
	"github.com/dutkit/dutkit/pkg/harness"
	"github.com/dutkit/dutkit/pkg/suites"
)

type suiteListing struct {
	Name      string   `json:"name"`
	Title     string   `json:"title"`
	Scenarios []string `json:"scenarios"`
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suites and their scenarios",
		Long: `List the built-in suites and the scenarios each would run with the
current configuration. The modem suite has one scenario per configured
modem. Nothing is sent to the device.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			env := &harness.Env{Config: cfg, Device: device.NewHandle(cfg.Device.UUID, nil)}

			var listing []suiteListing
			for _, name := range suites.Names() {
				build, err := suites.Lookup(name)
				if err != nil {
					return err
				}
				suite := build(env)
				entry := suiteListing{Name: name, Title: suite.Title}
				for _, sc := range suite.Scenarios {
					entry.Scenarios = append(entry.Scenarios, sc.Title)
				}
				listing = append(listing, entry)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, listing)
			}
			for _, s := range listing {
				fmt.Fprintf(out, "%s (%s)\n", s.Name, s.Title)
				if len(s.Scenarios) == 0 {
					fmt.Fprintln(out, "  (no scenarios configured)")
				}
				for _, title := range s.Scenarios {
					fmt.Fprintf(out, "  - %s\n", title)
				}
			}
			return nil
		},
	}
	return cmd
}
