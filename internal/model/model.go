package model

import "time"

// UnknownProjectLabel groups occurrences whose title carries no project code.
const UnknownProjectLabel = "UNKNOWN"

// SourceType records where a RawOccurrence came from in the calendar export.
type SourceType string

const (
	SourceSingle     SourceType = "single"
	SourceOccurrence SourceType = "occurrence"
	SourceException  SourceType = "exception"
)

// Classification is the billing state of a single occurrence.
type Classification string

const (
	Active          Classification = "ACTIVE"
	CancelledOnTime Classification = "CANCELLED_ON_TIME"
	CancelledLate   Classification = "CANCELLED_LATE"
)

// Label is the human readable form used in exports.
func (c Classification) Label() string {
	switch c {
	case Active:
		return "Active"
	case CancelledOnTime:
		return "Cancelled · On time"
	case CancelledLate:
		return "Cancelled · Late"
	default:
		return string(c)
	}
}

// RawOccurrence is one concrete booking as produced by recurrence expansion
// (internal/ics). Empty strings and nil timestamps mean "not present".
type RawOccurrence struct {
	UID          string
	RecurrenceID string

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool
	TZID   string

	Status     string
	BusyStatus string
	Organizer  string
	Sequence   *int

	// Cancellation timestamp candidates. X-MS-OLK-APPTSEQTIME is the most
	// reliable one for Outlook exports.
	AppointmentSequenceTime *time.Time
	LastModified            *time.Time
	DTStamp                 *time.Time
	Created                 *time.Time

	SourceType SourceType
}

// Occurrence is a RawOccurrence after classification and billable-minute
// adjustment. ProjectCode is "" when the title carries no code.
type Occurrence struct {
	RawOccurrence

	ID              string
	ProjectCode     string
	IsCancelled     bool
	Classification  Classification
	DurationMinutes int
	BillableMinutes int
}

// ProjectLabel returns the project code, or UnknownProjectLabel if none.
func (o Occurrence) ProjectLabel() string {
	return ProjectLabel(o.ProjectCode)
}

// ProjectLabel maps an extracted project code to its grouping label.
func ProjectLabel(code string) string {
	if code == "" {
		return UnknownProjectLabel
	}
	return code
}

// ProjectSummary holds per-project totals. Minutes are whole minutes, hours
// are rounded to two decimals.
type ProjectSummary struct {
	ProjectCode string `json:"project_code"`

	TotalMinutes         int     `json:"total_minutes"`
	TotalHours           float64 `json:"total_hours"`
	TotalDurationMinutes int     `json:"total_duration_minutes"`
	TotalDurationHours   float64 `json:"total_duration_hours"`

	ActiveCount          int `json:"active_count"`
	CancelledOnTimeCount int `json:"cancelled_on_time_count"`
	CancelledLateCount   int `json:"cancelled_late_count"`

	CancelledOnTimeMinutes       int `json:"cancelled_on_time_minutes"`
	CancelledLateMinutes         int `json:"cancelled_late_minutes"`
	CancelledLateBillableMinutes int `json:"cancelled_late_billable_minutes"`

	Organizers []string `json:"organizers"`
}

// DatasetStats are dataset-wide counters over a classified occurrence list.
type DatasetStats struct {
	EventCount            int     `json:"event_count"`
	ProjectCount          int     `json:"project_count"`
	BillableHours         float64 `json:"billable_hours"`
	LateCancellationCount int     `json:"late_cancellation_count"`

	ActiveDurationHours          float64 `json:"active_duration_hours"`
	CancelledOnTimeDurationHours float64 `json:"cancelled_on_time_duration_hours"`
	CancelledLateDurationHours   float64 `json:"cancelled_late_duration_hours"`

	// Share of late-cancelled duration that ended up unbilled, 0..100.
	LateCancellationCoveragePercentage float64 `json:"late_cancellation_coverage_percentage"`
}
