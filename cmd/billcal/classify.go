package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"billcal/internal/report"
)

var (
	classifyJSON     bool
	classifyEvents   bool
	classifyBillable string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <file.ics|->",
	Short: "Classify an ICS export and print project totals",
	Long: `Classify every booking in an ICS export and print per-project totals and
dataset statistics. Use "-" to read from stdin.

Examples:
  billcal classify bookings.ics
  billcal classify bookings.ics --events
  billcal classify bookings.ics --json --billable=-ALPHA,Z`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "Print the full report as JSON")
	classifyCmd.Flags().BoolVar(&classifyEvents, "events", false, "Also list every occurrence")
	classifyCmd.Flags().StringVar(&classifyBillable, "billable", "", "Billability overrides, e.g. ALPHA,-Z")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	rep, err := reportFromFile(args[0])
	if err != nil {
		return err
	}
	b := conf.Billability().With(report.ParseOverrides(classifyBillable))
	out := cmd.OutOrStdout()

	if classifyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Summaries   any `json:"summaries"`
			Stats       any `json:"stats"`
			Occurrences any `json:"occurrences,omitempty"`
		}{
			Summaries:   rep.Summaries,
			Stats:       rep.Stats,
			Occurrences: occurrencesIf(classifyEvents, b.ApplyOverrides(rep.Occurrences)),
		})
	}

	return printText(out, rep, b)
}

func occurrencesIf(ok bool, v any) any {
	if !ok {
		return nil
	}
	return v
}

func printText(w io.Writer, rep *report.Report, b report.Billability) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tBILLABLE H\tDURATION H\tACTIVE\tON TIME\tLATE\tLATE BILLED MIN\tBILLED")
	for _, s := range rep.Summaries {
		hours := s.TotalHours
		if !b.IsBillable(s.ProjectCode) {
			hours = 0
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%d\t%d\t%d\t%d\t%t\n",
			s.ProjectCode, hours, s.TotalDurationHours,
			s.ActiveCount, s.CancelledOnTimeCount, s.CancelledLateCount,
			s.CancelledLateBillableMinutes, b.IsBillable(s.ProjectCode))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	st := rep.Stats
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%d events, %d projects, %.2f billable hours",
		st.EventCount, st.ProjectCount, st.BillableHours)))
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("active %.2f h, cancelled on time %.2f h, cancelled late %.2f h",
		st.ActiveDurationHours, st.CancelledOnTimeDurationHours, st.CancelledLateDurationHours)))
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d late cancellations, %.2f%% of late-cancelled time unbilled",
		st.LateCancellationCount, st.LateCancellationCoveragePercentage)))
	if len(rep.TruncatedUIDs) > 0 {
		fmt.Fprintln(w, accentStyle.Render("truncated recurring events: "+strings.Join(rep.TruncatedUIDs, ", ")))
	}

	if !classifyEvents {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tPROJECT\tCLASSIFICATION\tDURATION MIN\tBILLABLE MIN\tTITLE")
	loc := conf.Location()
	for _, o := range rep.Occurrences {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			o.Start.In(loc).Format("2006-01-02 15:04"), o.ProjectLabel(), o.Classification.Label(),
			o.DurationMinutes, b.BillableMinutes(o), o.Summary)
	}
	return tw.Flush()
}

// reportFromFile classifies a local ICS file, or stdin for "-".
func reportFromFile(path string) (*report.Report, error) {
	var (
		body []byte
		err  error
	)
	if path == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	b, err := newBuilder()
	if err != nil {
		return nil, err
	}
	rep, err := b.FromICS(body)
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", path, err)
	}
	return rep, nil
}
