package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"billcal/internal/model"
)

const (
	mainSummarySheet = "Main Summary"
	eventsSheet      = "Events"
	placeholder      = "—"
	maxSheetName     = 31
)

// Sheet is a worksheet as plain rows; the first row is the header.
type Sheet struct {
	Name string
	Rows [][]any
}

// ExportOptions controls how dates and billability appear in exports.
type ExportOptions struct {
	Location    *time.Location
	Billability Billability
}

func (o ExportOptions) formatDate(t time.Time) string {
	loc := o.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func (o ExportOptions) formatNullableDate(t *time.Time) string {
	if t == nil {
		return placeholder
	}
	return o.formatDate(*t)
}

// ProjectSheets returns the "Main Summary" sheet followed by one sheet per
// project, in summary order.
func ProjectSheets(r *Report, opts ExportOptions) []Sheet {
	sheets := make([]Sheet, 0, len(r.Summaries)+1)
	sheets = append(sheets, mainSummary(r.Summaries, opts))
	for _, s := range r.Summaries {
		sheets = append(sheets, projectSheet(s, r.EventsFor(s.ProjectCode), opts))
	}
	return sheets
}

type totals struct {
	billableMinutes int
	durationMinutes int
	activeCount     int
	onTimeCount     int
	lateCount       int
	onTimeMinutes   int
	lateMinutes     int
}

func (t *totals) add(s model.ProjectSummary, billableMinutes int) {
	t.billableMinutes += billableMinutes
	t.durationMinutes += s.TotalDurationMinutes
	t.activeCount += s.ActiveCount
	t.onTimeCount += s.CancelledOnTimeCount
	t.lateCount += s.CancelledLateCount
	t.onTimeMinutes += s.CancelledOnTimeMinutes
	t.lateMinutes += s.CancelledLateMinutes
}

func (t totals) row(label string) []any {
	return []any{
		label,
		placeholder,
		formatHoursFromMinutes(t.billableMinutes),
		formatHoursFromMinutes(t.durationMinutes),
		formatPercentage(t.billableMinutes, t.durationMinutes),
		t.activeCount,
		t.onTimeCount,
		formatPercentage(t.onTimeMinutes, t.durationMinutes),
		t.lateCount,
		formatPercentage(t.lateMinutes, t.durationMinutes),
		placeholder,
	}
}

func mainSummary(summaries []model.ProjectSummary, opts ExportOptions) Sheet {
	rows := [][]any{{
		"Project",
		"Organizer(s)",
		"Total billable hours",
		"Total duration (hours)",
		"Billable percentage",
		"Active events",
		"On-time cancellations",
		"On-time cancellation percentage",
		"Late cancellations",
		"Late-cancellation percentage",
		"Billable",
	}}

	var all, known totals
	for _, s := range summaries {
		billable := opts.Billability.IsBillable(s.ProjectCode)
		billableMinutes, billableHours := 0, 0.0
		if billable {
			billableMinutes, billableHours = s.TotalMinutes, s.TotalHours
		}

		all.add(s, billableMinutes)
		// The second totals row treats every coded project as billable.
		if s.ProjectCode != model.UnknownProjectLabel {
			known.add(s, s.TotalMinutes)
		}

		rows = append(rows, []any{
			s.ProjectCode,
			formatOrganizerList(s.Organizers),
			strconv.FormatFloat(billableHours, 'f', 2, 64),
			strconv.FormatFloat(s.TotalDurationHours, 'f', 2, 64),
			formatPercentage(billableMinutes, s.TotalDurationMinutes),
			s.ActiveCount,
			s.CancelledOnTimeCount,
			formatPercentage(s.CancelledOnTimeMinutes, s.TotalDurationMinutes),
			s.CancelledLateCount,
			formatPercentage(s.CancelledLateMinutes, s.TotalDurationMinutes),
			strconv.FormatBool(billable),
		})
	}

	rows = append(rows, all.row("TOTALS"), known.row("TOTAL ALL EXCEPT "+model.UnknownProjectLabel))
	return Sheet{Name: mainSummarySheet, Rows: rows}
}

func projectSheet(s model.ProjectSummary, events []model.Occurrence, opts ExportOptions) Sheet {
	rows := [][]any{{
		"Title",
		"Start",
		"End",
		"Cancelled",
		"Created",
		"Organizer(s)",
		"Status",
		"Duration (hours)",
		"Billable hours",
	}}

	for _, o := range events {
		rows = append(rows, []any{
			o.Summary,
			opts.formatDate(o.Start),
			opts.formatDate(o.End),
			formatCancellationDate(o, opts),
			opts.formatNullableDate(createdAt(o.RawOccurrence)),
			orPlaceholder(NormalizeOrganizerEmail(o.Organizer)),
			o.Classification.Label(),
			formatHours(o.DurationMinutes),
			formatHours(opts.Billability.BillableMinutes(o)),
		})
	}
	return Sheet{Name: s.ProjectCode, Rows: rows}
}

// EventsSheet lists every occurrence with its raw and derived fields.
// Billable minutes already reflect project overrides.
func EventsSheet(r *Report, opts ExportOptions) Sheet {
	rows := [][]any{{
		"Project",
		"Title",
		"Description",
		"Location",
		"Status (raw)",
		"Organizer (raw)",
		"Organizer(s) (normalized)",
		"Sequence",
		"Start",
		"End",
		"All day",
		"TZID",
		"Cancelled at (X-MS-OLK-APPTSEQTIME > LAST-MODIFIED > DTSTAMP)",
		"X-MS-OLK-APPTSEQTIME (raw)",
		"Created (CREATED > DTSTAMP)",
		"Last modified",
		"DTSTAMP",
		"Busy status",
		"Recurrence ID",
		"Source type",
		"Classification",
		"Duration (minutes)",
		"Duration (hours)",
		"Billable (minutes)",
		"Billable (hours)",
	}}

	for _, o := range opts.Billability.ApplyOverrides(r.Occurrences) {
		var seq any = placeholder
		if o.Sequence != nil {
			seq = *o.Sequence
		}
		rows = append(rows, []any{
			o.ProjectLabel(),
			o.Summary,
			orPlaceholder(o.Description),
			orPlaceholder(o.Location),
			orPlaceholder(o.Status),
			orPlaceholder(o.Organizer),
			orPlaceholder(NormalizeOrganizerEmail(o.Organizer)),
			seq,
			opts.formatDate(o.Start),
			opts.formatDate(o.End),
			strconv.FormatBool(o.AllDay),
			orPlaceholder(o.TZID),
			opts.formatNullableDate(displayCancelledAt(o.RawOccurrence)),
			opts.formatNullableDate(o.AppointmentSequenceTime),
			opts.formatNullableDate(createdAt(o.RawOccurrence)),
			opts.formatNullableDate(o.LastModified),
			opts.formatNullableDate(o.DTStamp),
			orPlaceholder(o.BusyStatus),
			orPlaceholder(o.RecurrenceID),
			string(o.SourceType),
			o.Classification.Label(),
			o.DurationMinutes,
			formatHours(o.DurationMinutes),
			o.BillableMinutes,
			formatHours(o.BillableMinutes),
		})
	}
	return Sheet{Name: eventsSheet, Rows: rows}
}

// WriteWorkbook renders sheets into an .xlsx stream.
func WriteWorkbook(w io.Writer, sheets []Sheet) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	used := make(map[string]int, len(sheets))
	for i, sh := range sheets {
		name := uniqueSheetName(sh.Name, used)
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				return fmt.Errorf("rename sheet %q: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %q: %w", name, err)
		}

		for r, row := range sh.Rows {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				return err
			}
			values := row
			if err := f.SetSheetRow(name, cell, &values); err != nil {
				return fmt.Errorf("write %s row %d: %w", name, r+1, err)
			}
		}
		if len(sh.Rows) > 0 {
			if err := f.SetRowStyle(name, 1, 1, header); err != nil {
				return fmt.Errorf("style %s header: %w", name, err)
			}
		}
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// WriteProjectsWorkbook writes the summary plus per-project sheets.
func WriteProjectsWorkbook(w io.Writer, r *Report, opts ExportOptions) error {
	return WriteWorkbook(w, ProjectSheets(r, opts))
}

// WriteEventsWorkbook writes the single "Events" sheet.
func WriteEventsWorkbook(w io.Writer, r *Report, opts ExportOptions) error {
	return WriteWorkbook(w, []Sheet{EventsSheet(r, opts)})
}

// uniqueSheetName applies Excel's naming rules (no []:*?/\, at most 31
// characters) and suffixes duplicates.
func uniqueSheetName(name string, used map[string]int) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if clean == "" {
		clean = "Sheet"
	}
	clean = truncateRunes(clean, maxSheetName)

	key := strings.ToLower(clean)
	n := used[key]
	used[key] = n + 1
	if n == 0 {
		return clean
	}

	suffix := fmt.Sprintf(" (%d)", n+1)
	out := truncateRunes(clean, maxSheetName-len(suffix)) + suffix
	used[strings.ToLower(out)]++
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func formatCancellationDate(o model.Occurrence, opts ExportOptions) string {
	return opts.formatNullableDate(CancelledAt(o))
}

// CancelledAt is the cancellation time shown to users, or nil for active
// occurrences.
func CancelledAt(o model.Occurrence) *time.Time {
	if o.Classification == model.Active {
		return nil
	}
	return displayCancelledAt(o.RawOccurrence)
}

// displayCancelledAt is the cancellation time shown in exports.
func displayCancelledAt(r model.RawOccurrence) *time.Time {
	switch {
	case r.AppointmentSequenceTime != nil:
		return r.AppointmentSequenceTime
	case r.LastModified != nil:
		return r.LastModified
	default:
		return r.DTStamp
	}
}

func createdAt(r model.RawOccurrence) *time.Time {
	if r.Created != nil {
		return r.Created
	}
	return r.DTStamp
}

func formatHours(minutes int) string {
	return fmt.Sprintf("%.2f h", float64(minutes)/60)
}

func formatHoursFromMinutes(minutes int) string {
	if minutes <= 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(minutes)/60)
}

func formatPercentage(value, total int) string {
	if value <= 0 || total <= 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(value)/float64(total)*100)
}

func formatOrganizerList(emails []string) string {
	if len(emails) == 0 {
		return placeholder
	}
	return strings.Join(emails, "; ")
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
