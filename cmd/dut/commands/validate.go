package commands

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dutkit/dutkit/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var modemFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the configuration file after the dotenv and environment
overlays are applied.

This command checks:
  - YAML or CUE syntax and schema conformance
  - Required fields and value ranges
  - The poll budget is bounded
  - The modem file, when the modem suite has modems configured`,
		Example: `  # Validate dut.yaml
  dut validate -c dut.yaml

  # Validate a CUE configuration directory
  dut validate -c ./dut

  # Also check a modems.json file
  dut validate -c dut.yaml --modems ./modems.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			if modemFile == "" && len(cfg.Suites.Modem.Modems) > 0 {
				modemFile = cfg.Suites.Modem.File
				if !filepath.IsAbs(modemFile) && cfg.Source != "" {
					modemFile = filepath.Join(filepath.Dir(cfg.Source), modemFile)
				}
			}
			if modemFile != "" {
				mf, err := config.LoadModems(ctx, modemFile)
				if err != nil {
					return err
				}
				for _, m := range cfg.Suites.Modem.Modems {
					if !mf.Supports(m) {
						log.Warn().Str("modem", m).Str("file", modemFile).Msg("modem is not listed as supported")
					}
				}
			}

			source := cfg.Source
			if source == "" {
				source = "defaults"
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"valid": true, "source": source})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid\n", source)
			return nil
		},
	}

	cmd.Flags().StringVar(&modemFile, "modems", "", "modems.json file to check")

	return cmd
}
