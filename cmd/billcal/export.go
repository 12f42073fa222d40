package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	appLog "billcal/internal/log"
	"billcal/internal/report"
)

var (
	exportOutput   string
	exportEvents   bool
	exportBillable string
)

var exportCmd = &cobra.Command{
	Use:   "export <file.ics|->",
	Short: "Write an .xlsx workbook for an ICS export",
	Long: `Classify an ICS export and write a spreadsheet.

By default the workbook has a "Main Summary" sheet followed by one sheet per
project. With --events it instead lists every occurrence with its raw and
derived fields.

Examples:
  billcal export bookings.ics -o report.xlsx
  billcal export bookings.ics -o events.xlsx --events --billable=Z`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output .xlsx path (required)")
	exportCmd.Flags().BoolVar(&exportEvents, "events", false, "Export the per-occurrence Events workbook")
	exportCmd.Flags().StringVar(&exportBillable, "billable", "", "Billability overrides, e.g. ALPHA,-Z")
	_ = exportCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	rep, err := reportFromFile(args[0])
	if err != nil {
		return err
	}

	opts := report.ExportOptions{
		Location:    conf.Location(),
		Billability: conf.Billability().With(report.ParseOverrides(exportBillable)),
	}

	if dir := filepath.Dir(exportOutput); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(exportOutput)
	if err != nil {
		return err
	}

	if exportEvents {
		err = report.WriteEventsWorkbook(f, rep, opts)
	} else {
		err = report.WriteProjectsWorkbook(f, rep, opts)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", exportOutput, err)
	}

	appLog.Info("workbook written", "path", exportOutput, "events", exportEvents, "occurrences", len(rep.Occurrences))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", exportOutput)
	return nil
}
