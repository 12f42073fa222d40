package billing

import (
	"math"
	"time"

	"billcal/internal/model"
)

const day = 24 * time.Hour

// Classify derives one Occurrence per raw record: id, project code,
// cancellation flag, classification, duration and initial billable minutes.
// It looks at each record in isolation; Adjust does the cross-record pass.
func (e *Engine) Classify(raws []model.RawOccurrence) []model.Occurrence {
	out := make([]model.Occurrence, len(raws))
	for i, raw := range raws {
		out[i] = e.classifyOne(raw)
	}
	return out
}

func (e *Engine) classifyOne(raw model.RawOccurrence) model.Occurrence {
	occ := model.Occurrence{
		RawOccurrence:   raw,
		ID:              occurrenceID(raw),
		ProjectCode:     e.ExtractProjectCode(raw.Summary),
		IsCancelled:     e.DetectCancellation(raw),
		Classification:  model.Active,
		DurationMinutes: durationMinutes(raw.Start, raw.End),
	}

	if occ.IsCancelled {
		occ.Classification = e.cancellationClass(raw)
	}

	if occ.Classification != model.CancelledOnTime {
		occ.BillableMinutes = occ.DurationMinutes
	}
	return occ
}

// cancellationClass decides late vs on time. Without any timestamp lateness
// cannot be shown, so the cancellation counts as on time.
func (e *Engine) cancellationClass(raw model.RawOccurrence) model.Classification {
	ts := classificationTimestamp(raw)
	if ts == nil {
		return model.CancelledOnTime
	}
	deltaDays := float64(raw.Start.Sub(*ts)) / float64(day)
	if deltaDays < e.rules.LateCancellationDays {
		return model.CancelledLate
	}
	return model.CancelledOnTime
}

// classificationTimestamp picks the cancellation time for the late/on-time
// decision: APPTSEQTIME, then DTSTAMP, then LAST-MODIFIED. The credit pass
// uses a different order (see creditTimestamp); keep them separate.
func classificationTimestamp(raw model.RawOccurrence) *time.Time {
	switch {
	case raw.AppointmentSequenceTime != nil:
		return raw.AppointmentSequenceTime
	case raw.DTStamp != nil:
		return raw.DTStamp
	default:
		return raw.LastModified
	}
}

// occurrenceID is uid + "_" + recurrence id, or the start instant when the
// record is not part of a recurrence.
func occurrenceID(raw model.RawOccurrence) string {
	if raw.RecurrenceID != "" {
		return raw.UID + "_" + raw.RecurrenceID
	}
	return raw.UID + "_" + ISOTime(raw.Start)
}

// ISOTime formats t as UTC with millisecond precision, e.g.
// 2025-06-10T10:00:00.000Z.
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func durationMinutes(start, end time.Time) int {
	m := roundMinutes(end.Sub(start))
	if m < 0 {
		return 0
	}
	return m
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}
