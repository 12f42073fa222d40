package billing

import (
	"time"

	"billcal/internal/model"
)

// Adjust credits late cancellations for backfilled time and returns a new
// slice; occs is left untouched.
//
// For each CANCELLED_LATE target, the minutes overlapped by billable ACTIVE
// bookings, and by billable late cancellations that were cancelled after the
// target, are merged and subtracted from its billable minutes (floored at 0).
// Every target is computed against the same initial snapshot, so the order
// of occs does not matter and re-running Adjust gives the same result.
func (e *Engine) Adjust(occs []model.Occurrence) []model.Occurrence {
	out := make([]model.Occurrence, len(occs))
	copy(out, occs)
	if len(occs) == 0 {
		return out
	}

	initial := make([]int, len(occs))
	var activeIdx, lateIdx []int
	for i, o := range occs {
		initial[i] = initialBillable(o)
		out[i].BillableMinutes = initial[i]

		switch o.Classification {
		case model.Active:
			if e.IsDefaultBillable(o.ProjectLabel()) {
				activeIdx = append(activeIdx, i)
			}
		case model.CancelledLate:
			lateIdx = append(lateIdx, i)
		}
	}

	for _, t := range lateIdx {
		if initial[t] == 0 {
			continue
		}
		target := occs[t]

		var covered []Interval
		for _, c := range activeIdx {
			if iv, ok := overlap(target.Start, target.End, occs[c].Start, occs[c].End); ok {
				covered = append(covered, iv)
			}
		}
		for _, c := range lateIdx {
			if c == t || !e.isLaterBillableCancellation(occs[c], target) {
				continue
			}
			if iv, ok := overlap(target.Start, target.End, occs[c].Start, occs[c].End); ok {
				covered = append(covered, iv)
			}
		}
		if len(covered) == 0 {
			continue
		}

		credited := 0
		for _, iv := range MergeIntervals(covered) {
			credited += roundMinutes(iv.Duration())
		}
		out[t].BillableMinutes = max(0, initial[t]-credited)
	}

	return out
}

func initialBillable(o model.Occurrence) int {
	if o.Classification == model.CancelledOnTime {
		return 0
	}
	return o.DurationMinutes
}

// isLaterBillableCancellation reports whether candidate takes the overlap
// credit from target: it must be a billable late cancellation cancelled
// strictly later, with equal timestamps broken by the larger id.
func (e *Engine) isLaterBillableCancellation(candidate, target model.Occurrence) bool {
	if candidate.Classification != model.CancelledLate {
		return false
	}
	if !e.IsDefaultBillable(candidate.ProjectLabel()) {
		return false
	}

	cts := creditTimestamp(candidate)
	tts := creditTimestamp(target)
	if cts == nil || tts == nil {
		return false
	}
	if cts.Equal(*tts) {
		return candidate.ID > target.ID
	}
	return cts.After(*tts)
}

// creditTimestamp orders cancellations for overlap credit: APPTSEQTIME, then
// LAST-MODIFIED, then DTSTAMP. Not the same order as classificationTimestamp.
func creditTimestamp(o model.Occurrence) *time.Time {
	if !o.IsCancelled {
		return nil
	}
	switch {
	case o.AppointmentSequenceTime != nil:
		return o.AppointmentSequenceTime
	case o.LastModified != nil:
		return o.LastModified
	default:
		return o.DTStamp
	}
}
