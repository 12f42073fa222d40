package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	"billcal/internal/billing"
	appLog "billcal/internal/log"
	"billcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the window an occurrence must overlap.
	// Both zero means unbounded: every instance is produced up to the cap.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

func (c ExpandConfig) bounded() bool {
	return !c.RangeStart.IsZero() || !c.RangeEnd.IsZero()
}

// ExpandResult wraps the list of expanded occurrences and information
// about truncation.
type ExpandResult struct {
	Occurrences []model.RawOccurrence
	// TruncatedUIDs records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedUIDs []string
}

// ExpandOccurrences turns parsed VEVENTs into concrete raw occurrences:
//
//   - non-recurring events become one "single" record
//   - RECURRENCE-ID overrides become "exception" records and replace the
//     generated instance they override
//   - RRULE/RDATE instances minus EXDATE become "occurrence" records whose
//     recurrence id is the instance start
//
// Output follows input order; generated instances are in start order.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.bounded() && cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overridden instants per UID, keyed by UTC instant.
	overridden := make(map[string]map[int64]struct{})
	for _, ev := range events {
		if !ev.IsOverride {
			continue
		}
		if overridden[ev.UID] == nil {
			overridden[ev.UID] = make(map[int64]struct{})
		}
		overridden[ev.UID][ev.Recurrence.UnixNano()] = struct{}{}
	}

	out := make([]model.RawOccurrence, 0, len(events))
	truncated := make(map[string]bool)

	for _, ev := range events {
		switch {
		case ev.IsOverride:
			if cfg.inRange(ev.Start, ev.End) {
				out = append(out, makeOccurrence(ev, ev.Start, ev.End, model.SourceException, billing.ISOTime(*ev.Recurrence)))
			}

		case ev.RawRRule != "" || len(ev.RDates) > 0:
			occs, hitCap, err := expandRecurringEvent(ev, overridden[ev.UID], cfg)
			if err != nil {
				appLog.Error("expand: failed to parse RRULE, keeping first instance", err, "uid", ev.UID, "rrule", ev.RawRRule)
				if cfg.inRange(ev.Start, ev.End) {
					out = append(out, makeOccurrence(ev, ev.Start, ev.End, model.SourceSingle, ""))
				}
				continue
			}
			out = append(out, occs...)
			if hitCap && !truncated[ev.UID] {
				truncated[ev.UID] = true
				result.TruncatedUIDs = append(result.TruncatedUIDs, ev.UID)
				appLog.Warn("expand: truncated occurrences for UID due to cap",
					"uid", ev.UID,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}

		default:
			if cfg.inRange(ev.Start, ev.End) {
				out = append(out, makeOccurrence(ev, ev.Start, ev.End, model.SourceSingle, ""))
			}
		}
	}

	result.Occurrences = out
	return result, nil
}

// expandRecurringEvent generates the instances of one master event. It
// reports whether the cap was hit. Without an RRULE the instances are
// DTSTART plus every RDATE.
func expandRecurringEvent(ev ParsedEvent, overridden map[int64]struct{}, cfg ExpandConfig) ([]model.RawOccurrence, bool, error) {
	set := &rrule.Set{}
	if ev.RawRRule != "" {
		opt, err := rrule.StrToROption(ev.RawRRule)
		if err != nil {
			return nil, false, err
		}
		opt.Dtstart = ev.Start
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, false, err
		}
		set.RRule(r)
	} else {
		set.RDate(ev.Start)
	}
	for _, rd := range ev.RDates {
		set.RDate(rd.In(ev.Start.Location()))
	}
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	next := instanceIterator(set, ev, cfg)

	out := make([]model.RawOccurrence, 0)
	for {
		start, ok := next()
		if !ok {
			return out, false, nil
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			return out, true, nil
		}
		if _, skip := overridden[start.UnixNano()]; skip {
			continue
		}
		end := instanceEnd(ev, start)
		if !cfg.inRange(start, end) {
			continue
		}
		out = append(out, makeOccurrence(ev, start, end, model.SourceOccurrence, billing.ISOTime(start)))
	}
}

// instanceIterator yields instance starts in order. A bounded window is
// widened by the event duration so instances already in progress at
// RangeStart are included.
func instanceIterator(set *rrule.Set, ev ParsedEvent, cfg ExpandConfig) func() (time.Time, bool) {
	if !cfg.bounded() {
		return set.Iterator()
	}
	from := cfg.RangeStart.Add(-ev.End.Sub(ev.Start))
	starts := set.Between(from, cfg.RangeEnd, true)
	i := 0
	return func() (time.Time, bool) {
		if i >= len(starts) {
			return time.Time{}, false
		}
		i++
		return starts[i-1], true
	}
}

// instanceEnd preserves the master's duration; all-day instances keep
// their length in calendar days.
func instanceEnd(ev ParsedEvent, start time.Time) time.Time {
	if ev.AllDay {
		days := int(ev.End.Sub(ev.Start).Round(24*time.Hour) / (24 * time.Hour))
		if days < 1 {
			days = 1
		}
		return start.AddDate(0, 0, days)
	}
	return start.Add(ev.End.Sub(ev.Start))
}

func (c ExpandConfig) inRange(start, end time.Time) bool {
	if !c.bounded() {
		return true
	}
	if !end.After(start) {
		return !start.Before(c.RangeStart) && !start.After(c.RangeEnd)
	}
	return start.Before(c.RangeEnd) && end.After(c.RangeStart)
}

func makeOccurrence(ev ParsedEvent, start, end time.Time, src model.SourceType, recurrenceID string) model.RawOccurrence {
	return model.RawOccurrence{
		UID:                     ev.UID,
		RecurrenceID:            recurrenceID,
		Summary:                 ev.Summary,
		Description:             ev.Description,
		Location:                ev.Location,
		Start:                   start,
		End:                     end,
		AllDay:                  ev.AllDay,
		TZID:                    ev.TZID,
		Status:                  ev.Status,
		BusyStatus:              ev.BusyStatus,
		Organizer:               ev.Organizer,
		Sequence:                ev.Sequence,
		AppointmentSequenceTime: ev.AppointmentSequenceTime,
		LastModified:            ev.LastModified,
		DTStamp:                 ev.DTStamp,
		Created:                 ev.Created,
		SourceType:              src,
	}
}
