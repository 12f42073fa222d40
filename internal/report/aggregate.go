package report

import (
	"math"
	"sort"

	"billcal/internal/model"
)

// BuildProjectSummaries groups occurrences by project label. ACTIVE and
// CANCELLED_LATE contribute billable minutes; CANCELLED_ON_TIME only adds
// duration. Output is sorted by label.
func BuildProjectSummaries(occs []model.Occurrence) []model.ProjectSummary {
	byLabel := make(map[string]*model.ProjectSummary)
	organizers := make(map[string]map[string]struct{})

	for _, o := range occs {
		label := o.ProjectLabel()
		s, ok := byLabel[label]
		if !ok {
			s = &model.ProjectSummary{ProjectCode: label}
			byLabel[label] = s
			organizers[label] = make(map[string]struct{})
		}

		s.TotalDurationMinutes += o.DurationMinutes
		if email := NormalizeOrganizerEmail(o.Organizer); email != "" {
			organizers[label][email] = struct{}{}
		}

		switch o.Classification {
		case model.Active:
			s.ActiveCount++
			s.TotalMinutes += o.BillableMinutes
		case model.CancelledLate:
			s.CancelledLateCount++
			s.CancelledLateMinutes += o.DurationMinutes
			s.CancelledLateBillableMinutes += o.BillableMinutes
			s.TotalMinutes += o.BillableMinutes
		case model.CancelledOnTime:
			s.CancelledOnTimeCount++
			s.CancelledOnTimeMinutes += o.DurationMinutes
		}
	}

	out := make([]model.ProjectSummary, 0, len(byLabel))
	for label, s := range byLabel {
		s.TotalHours = hours(s.TotalMinutes)
		s.TotalDurationHours = hours(s.TotalDurationMinutes)
		s.Organizers = sortedKeys(organizers[label])
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProjectCode < out[j].ProjectCode
	})
	return out
}

// BuildDatasetStats computes dataset-wide totals. Billable hours come from
// the summaries so they always agree with the per-project view.
func BuildDatasetStats(occs []model.Occurrence, summaries []model.ProjectSummary) model.DatasetStats {
	billable := 0
	for _, s := range summaries {
		billable += s.TotalMinutes
	}

	var activeMin, onTimeMin, lateMin, lateBillable, lateCount int
	for _, o := range occs {
		switch o.Classification {
		case model.Active:
			activeMin += o.DurationMinutes
		case model.CancelledOnTime:
			onTimeMin += o.DurationMinutes
		case model.CancelledLate:
			lateMin += o.DurationMinutes
			lateBillable += o.BillableMinutes
			lateCount++
		}
	}

	coverage := 0.0
	if lateMin > 0 {
		coverage = round2(float64(lateMin-lateBillable) / float64(lateMin) * 100)
	}

	return model.DatasetStats{
		EventCount:                         len(occs),
		ProjectCount:                       len(summaries),
		BillableHours:                      hours(billable),
		LateCancellationCount:              lateCount,
		ActiveDurationHours:                hours(activeMin),
		CancelledOnTimeDurationHours:       hours(onTimeMin),
		CancelledLateDurationHours:         hours(lateMin),
		LateCancellationCoveragePercentage: coverage,
	}
}

func hours(minutes int) float64 {
	return round2(float64(minutes) / 60)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
