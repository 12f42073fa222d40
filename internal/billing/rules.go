package billing

import "billcal/internal/model"

const (
	// DefaultLateCancellationDays is the notice, in days, below which a
	// cancellation is billed.
	DefaultLateCancellationDays = 7

	// DefaultProjectCodePattern matches a bracketed tag like "[ALPHA]". The
	// first capture group is the code.
	DefaultProjectCodePattern = `\[([0-9a-zA-Z]+)\]`
)

// DefaultUnbillableProjects start out unbillable: uncoded bookings plus the
// internal Z and R codes.
var DefaultUnbillableProjects = []string{model.UnknownProjectLabel, "Z", "R"}

// DefaultCancelWords are matched case-insensitively against summary,
// description and location.
var DefaultCancelWords = []string{
	"canceled",
	"cancelled",
	"geannuleerd",
	"abgesagt",
	"annulé",
	"cancelado",
	"annullato",
	"avbokad",
	"peruttu",
	"avlyst",
	"aflyst",
	"已取消",
}

// Rules are the externally tunable parameters of the engine.
type Rules struct {
	// LateCancellationDays is the notice threshold. Cancellations made less
	// than this many days before start are late.
	LateCancellationDays float64

	// UnbillableProjects are project labels (case-insensitive) whose active
	// bookings never count as replacement activity.
	UnbillableProjects []string

	// ProjectCodePattern must contain at least one capture group.
	ProjectCodePattern string

	CancelWords []string
}

// DefaultRules returns the stock configuration.
func DefaultRules() Rules {
	return Rules{
		LateCancellationDays: DefaultLateCancellationDays,
		UnbillableProjects:   append([]string(nil), DefaultUnbillableProjects...),
		ProjectCodePattern:   DefaultProjectCodePattern,
		CancelWords:          append([]string(nil), DefaultCancelWords...),
	}
}

// withDefaults fills zero-valued fields from DefaultRules. An explicitly
// empty (non-nil) list is kept as is.
func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if r.LateCancellationDays <= 0 {
		r.LateCancellationDays = d.LateCancellationDays
	}
	if r.UnbillableProjects == nil {
		r.UnbillableProjects = d.UnbillableProjects
	}
	if r.ProjectCodePattern == "" {
		r.ProjectCodePattern = d.ProjectCodePattern
	}
	if r.CancelWords == nil {
		r.CancelWords = d.CancelWords
	}
	return r
}
