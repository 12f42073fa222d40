package report

import (
	"strings"

	"billcal/internal/model"
)

// Billability decides, per project label, whether billable minutes are
// reported. It starts from the default-unbillable set and applies manual
// overrides on top. It never feeds back into the engine's overlap credit.
type Billability struct {
	unbillable map[string]struct{}
	overrides  map[string]bool
}

// NewBillability builds a Billability. Labels are compared uppercased.
func NewBillability(unbillable []string, overrides map[string]bool) Billability {
	b := Billability{
		unbillable: make(map[string]struct{}, len(unbillable)),
		overrides:  make(map[string]bool, len(overrides)),
	}
	for _, code := range unbillable {
		b.unbillable[normLabel(code)] = struct{}{}
	}
	for code, v := range overrides {
		b.overrides[normLabel(code)] = v
	}
	return b
}

// With returns a copy with extra overrides applied after the existing ones.
func (b Billability) With(overrides map[string]bool) Billability {
	out := Billability{
		unbillable: b.unbillable,
		overrides:  make(map[string]bool, len(b.overrides)+len(overrides)),
	}
	for k, v := range b.overrides {
		out.overrides[k] = v
	}
	for k, v := range overrides {
		out.overrides[normLabel(k)] = v
	}
	return out
}

// IsBillable reports whether a project label is billed.
func (b Billability) IsBillable(label string) bool {
	label = normLabel(label)
	if v, ok := b.overrides[label]; ok {
		return v
	}
	_, unbillable := b.unbillable[label]
	return !unbillable
}

// BillableMinutes is the occurrence's billable minutes, or 0 if its project
// is not billed.
func (b Billability) BillableMinutes(o model.Occurrence) int {
	if !b.IsBillable(o.ProjectLabel()) {
		return 0
	}
	return o.BillableMinutes
}

// ApplyOverrides returns a copy of occs with billable minutes zeroed for
// unbilled projects.
func (b Billability) ApplyOverrides(occs []model.Occurrence) []model.Occurrence {
	out := make([]model.Occurrence, len(occs))
	for i, o := range occs {
		o.BillableMinutes = b.BillableMinutes(o)
		out[i] = o
	}
	return out
}

// ParseOverrides reads a comma separated list like "ALPHA,-Z,+R". A leading
// '-' marks a project unbillable, anything else billable.
func ParseOverrides(s string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		billable := true
		switch part[0] {
		case '-':
			billable = false
			part = part[1:]
		case '+':
			part = part[1:]
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out[normLabel(part)] = billable
	}
	return out
}

func normLabel(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
