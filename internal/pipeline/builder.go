// Package pipeline turns calendar sources into classified billing reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billcal/internal/billing"
	"billcal/internal/config"
	"billcal/internal/ics"
	appLog "billcal/internal/log"
	"billcal/internal/model"
	"billcal/internal/report"
)

// ErrNoSources is returned by Build when no calendar source is configured.
var ErrNoSources = errors.New("no ICS sources configured")

const day = 24 * time.Hour

// Options control the collaborator steps around the engine.
type Options struct {
	Sources []ics.Source

	// BackfillDays / HorizonDays bound expansion around now; both zero
	// expands every instance up to MaxOccurrencesPerEvent.
	BackfillDays int
	HorizonDays  int

	MaxOccurrencesPerEvent int

	// IncludeAllDay keeps all-day entries; by default they are dropped
	// before classification.
	IncludeAllDay bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// Builder runs fetch, parse, expand, classify and aggregate.
type Builder struct {
	engine  *billing.Engine
	fetcher *ics.Fetcher
	opts    Options
}

// NewBuilder wires a Builder from an engine, a fetcher and options.
func NewBuilder(engine *billing.Engine, fetcher *ics.Fetcher, opts Options) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{engine: engine, fetcher: fetcher, opts: opts}
}

// FromConfig builds the engine, fetcher and options described by cfg.
func FromConfig(cfg *config.Config) (*Builder, error) {
	engine, err := billing.NewEngine(cfg.Rules())
	if err != nil {
		return nil, fmt.Errorf("billing rules: %w", err)
	}

	sources := make([]ics.Source, 0, len(cfg.ICS))
	for _, s := range cfg.ICS {
		sources = append(sources, ics.Source{ID: s.ID, Name: s.Name, URL: s.URL})
	}

	return NewBuilder(engine, ics.NewFetcher(cfg.CacheDir), Options{
		Sources:                sources,
		BackfillDays:           cfg.BackfillDays,
		HorizonDays:            cfg.HorizonDays,
		MaxOccurrencesPerEvent: cfg.MaxOccurrencesPerEvent,
		IncludeAllDay:          cfg.IncludeAllDay,
	}), nil
}

// Engine returns the engine used for classification.
func (b *Builder) Engine() *billing.Engine {
	return b.engine
}

// Sources returns the configured calendar sources.
func (b *Builder) Sources() []ics.Source {
	return b.opts.Sources
}

// Build fetches every configured source and produces one report over all
// of them. Failed sources are logged and skipped; Build fails only when no
// source could be read.
func (b *Builder) Build(ctx context.Context) (*report.Report, error) {
	if len(b.opts.Sources) == 0 {
		return nil, ErrNoSources
	}

	results, fetchErr := b.fetcher.FetchAll(ctx, b.opts.Sources)
	if len(results) == 0 {
		return nil, fmt.Errorf("fetch sources: %w", fetchErr)
	}

	var (
		events []ics.ParsedEvent
		errs   []error
	)
	if fetchErr != nil {
		errs = append(errs, fetchErr)
	}
	for _, res := range results {
		parsed, err := ics.ParseICS(res.Source, res.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", res.Source.ID, err))
			continue
		}
		events = append(events, parsed...)
	}
	if len(events) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		appLog.Warn("report built from partial sources", "failed", len(errs), "reason", errors.Join(errs...).Error())
	}

	return b.fromParsed(events, true)
}

// FromICS classifies a single uploaded calendar payload. Uploads are
// expanded in full (up to MaxOccurrencesPerEvent per event); the
// backfill/horizon window only applies to configured sources.
func (b *Builder) FromICS(body []byte) (*report.Report, error) {
	events, err := ics.ParseICS(ics.Source{ID: "upload"}, body)
	if err != nil {
		return nil, err
	}
	return b.fromParsed(events, false)
}

func (b *Builder) fromParsed(events []ics.ParsedEvent, windowed bool) (*report.Report, error) {
	now := b.opts.Now()

	cfg := ics.ExpandConfig{MaxOccurrencesPerEvent: b.opts.MaxOccurrencesPerEvent}
	if windowed {
		cfg = b.expandConfig(now)
	}
	expanded, err := ics.ExpandOccurrences(events, cfg)
	if err != nil {
		return nil, err
	}

	raws := expanded.Occurrences
	if !b.opts.IncludeAllDay {
		raws = dropAllDay(raws)
	}

	occs := b.engine.Run(raws)
	billing.SortByStart(occs)

	r := report.New(occs, now)
	r.TruncatedUIDs = expanded.TruncatedUIDs

	appLog.Info("report built",
		"events", len(events),
		"occurrences", len(occs),
		"all_day_dropped", len(expanded.Occurrences)-len(raws),
		"projects", r.Stats.ProjectCount,
		"billable_hours", r.Stats.BillableHours,
		"late_cancellations", r.Stats.LateCancellationCount,
	)
	return r, nil
}

func (b *Builder) expandConfig(now time.Time) ics.ExpandConfig {
	cfg := ics.ExpandConfig{MaxOccurrencesPerEvent: b.opts.MaxOccurrencesPerEvent}
	if b.opts.BackfillDays > 0 || b.opts.HorizonDays > 0 {
		cfg.RangeStart = now.Add(-time.Duration(b.opts.BackfillDays) * day)
		cfg.RangeEnd = now.Add(time.Duration(b.opts.HorizonDays) * day)
	}
	return cfg
}

func dropAllDay(raws []model.RawOccurrence) []model.RawOccurrence {
	out := make([]model.RawOccurrence, 0, len(raws))
	for _, r := range raws {
		if !r.AllDay {
			out = append(out, r)
		}
	}
	return out
}
