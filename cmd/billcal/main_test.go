package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

const cliICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//billcal//test//EN
BEGIN:VEVENT
UID:late-1
SUMMARY:[ALPHA] Microscope
DTSTART:20250610T100000Z
DTEND:20250610T120000Z
STATUS:CANCELLED
X-MS-OLK-APPTSEQTIME:20250609T100000Z
END:VEVENT
BEGIN:VEVENT
UID:replacement-1
SUMMARY:[BETA] Microscope
DTSTART:20250610T110000Z
DTEND:20250610T120000Z
END:VEVENT
END:VCALENDAR
`

// run executes the root command. Commands share package-level flag state,
// so these tests are not parallel.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		classifyJSON, classifyEvents, classifyBillable = false, false, ""
		exportOutput, exportEvents, exportBillable = "", false, ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFixture(t *testing.T) (dir, ics, cfg string) {
	t.Helper()
	dir = t.TempDir()
	ics = filepath.Join(dir, "bookings.ics")
	if err := os.WriteFile(ics, []byte(cliICS), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir, ics, filepath.Join(dir, "billcal.yaml")
}

func TestClassifyCommand(t *testing.T) {
	_, ics, cfg := writeFixture(t)

	out, err := run(t, "--config", cfg, "--log-level", "error", "classify", ics, "--events")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	for _, want := range []string{"ALPHA", "BETA", "2 events, 2 projects, 2.00 billable hours", "Cancelled · Late"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(cfg); err != nil {
		t.Fatalf("default config should have been written: %v", err)
	}
}

func TestClassifyCommand_JSON(t *testing.T) {
	_, ics, cfg := writeFixture(t)

	out, err := run(t, "--config", cfg, "--log-level", "error", "classify", ics, "--json")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !strings.Contains(out, `"late_cancellation_count": 1`) || strings.Contains(out, `"occurrences"`) {
		t.Fatalf("unexpected JSON output:\n%s", out)
	}
}

func TestExportCommand(t *testing.T) {
	dir, ics, cfg := writeFixture(t)
	xlsx := filepath.Join(dir, "out", "report.xlsx")

	if _, err := run(t, "--config", cfg, "--log-level", "error", "export", ics, "-o", xlsx); err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenFile(xlsx)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	if got := strings.Join(f.GetSheetList(), ","); got != "Main Summary,ALPHA,BETA" {
		t.Fatalf("unexpected sheets %s", got)
	}
}

func TestClassifyCommand_MissingFile(t *testing.T) {
	dir, _, cfg := writeFixture(t)

	_, err := run(t, "--config", cfg, "--log-level", "error", "classify", filepath.Join(dir, "nope.ics"))
	if err == nil || !strings.Contains(err.Error(), "nope.ics") {
		t.Fatalf("expected read error, got %v", err)
	}
}
