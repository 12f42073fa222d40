package billing

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"billcal/internal/model"
)

// ErrNoCaptureGroup is returned when the project-code pattern has no group
// to extract the code from.
var ErrNoCaptureGroup = errors.New("project code pattern has no capture group")

// Engine classifies raw occurrences and computes billable minutes. It holds
// only compiled rules, so one Engine can serve concurrent Run calls.
type Engine struct {
	rules      Rules
	codeRe     *regexp.Regexp
	words      []string
	unbillable map[string]struct{}
}

var defaultEngine = mustEngine(DefaultRules())

func mustEngine(r Rules) *Engine {
	e, err := NewEngine(r)
	if err != nil {
		panic(err)
	}
	return e
}

// NewEngine compiles the rules. Zero-valued fields fall back to DefaultRules.
func NewEngine(r Rules) (*Engine, error) {
	r = r.withDefaults()

	re, err := regexp.Compile(r.ProjectCodePattern)
	if err != nil {
		return nil, fmt.Errorf("compile project code pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("%w: %q", ErrNoCaptureGroup, r.ProjectCodePattern)
	}

	words := make([]string, 0, len(r.CancelWords))
	for _, w := range r.CancelWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		words = append(words, w)
	}

	unbillable := make(map[string]struct{}, len(r.UnbillableProjects))
	for _, code := range r.UnbillableProjects {
		unbillable[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}

	return &Engine{
		rules:      r,
		codeRe:     re,
		words:      words,
		unbillable: unbillable,
	}, nil
}

// Rules returns the effective rules after defaults were applied.
func (e *Engine) Rules() Rules {
	return e.rules
}

// Run classifies every raw occurrence and then applies the billable-minute
// adjustment. Input order is irrelevant to the result values; the output is
// index-aligned with the input.
func (e *Engine) Run(raws []model.RawOccurrence) []model.Occurrence {
	return e.Adjust(e.Classify(raws))
}

// IsDefaultBillable reports whether a project label is billable before any
// presentation-level override.
func (e *Engine) IsDefaultBillable(label string) bool {
	_, ok := e.unbillable[strings.ToUpper(label)]
	return !ok
}

// SortByStart orders occurrences by start time, then by id.
func SortByStart(occs []model.Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].ID < occs[j].ID
	})
}
