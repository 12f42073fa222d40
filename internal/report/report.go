package report

import (
	"time"

	"billcal/internal/model"
)

// Report is one classified dataset with its roll-ups.
type Report struct {
	GeneratedAt time.Time
	// Span covers the earliest start to the latest end; zero when empty.
	SpanStart time.Time
	SpanEnd   time.Time

	Occurrences []model.Occurrence
	Summaries   []model.ProjectSummary
	Stats       model.DatasetStats

	// TruncatedUIDs lists recurring events that hit the expansion cap.
	TruncatedUIDs []string
}

// New aggregates an already classified and adjusted occurrence list.
func New(occs []model.Occurrence, generatedAt time.Time) *Report {
	summaries := BuildProjectSummaries(occs)
	r := &Report{
		GeneratedAt: generatedAt,
		Occurrences: occs,
		Summaries:   summaries,
		Stats:       BuildDatasetStats(occs, summaries),
	}
	for i, o := range occs {
		if i == 0 || o.Start.Before(r.SpanStart) {
			r.SpanStart = o.Start
		}
		if i == 0 || o.End.After(r.SpanEnd) {
			r.SpanEnd = o.End
		}
	}
	return r
}

// EventsFor returns the occurrences of one project label, in report order.
func (r *Report) EventsFor(label string) []model.Occurrence {
	var out []model.Occurrence
	for _, o := range r.Occurrences {
		if o.ProjectLabel() == label {
			out = append(out, o)
		}
	}
	return out
}
