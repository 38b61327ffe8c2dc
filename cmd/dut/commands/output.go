package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dutkit/dutkit/pkg/scenario"
	"github.com/dutkit/dutkit/pkg/stores"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeReport prints a run report as a tree of suites, scenarios and
// failed steps.
func writeReport(w io.Writer, report *scenario.Report) {
	fmt.Fprintf(w, "run %s on %s\n", report.RunID, report.Device)
	for _, suite := range report.Suites {
		fmt.Fprintf(w, "\n%s\n", suite.Title)
		if suite.SetupErr != nil {
			fmt.Fprintf(w, "  setup failed: %v\n", suite.SetupErr)
		}
		for _, res := range suite.Scenarios {
			mark := "ok  "
			if !res.Passed() {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "  %s %s (%s)\n", mark, res.Title, res.Duration.Round(time.Millisecond))
			if res.Passed() {
				continue
			}
			if msg := res.FailureMessage(); msg != "" {
				for _, line := range strings.Split(msg, "\n") {
					fmt.Fprintf(w, "       %s\n", line)
				}
			}
			for _, err := range res.TeardownErrors {
				fmt.Fprintf(w, "       teardown: %v\n", err)
			}
		}
	}

	passed, failed := report.Counts()
	fmt.Fprintf(w, "\n%d passed, %d failed in %s\n", passed, failed, report.Duration.Round(time.Second))
}

func writeRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tDEVICE\tSTATUS\tPASSED\tFAILED\tSTARTED")
	for _, r := range runs {
		device := r.Device
		if len(device) > 7 {
			device = device[:7]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, device, r.Status, r.Passed, r.Failed, r.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
