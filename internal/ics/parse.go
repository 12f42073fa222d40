package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "billcal/internal/log"
)

// ErrEmptyBody is returned for a payload with no content after sanitizing.
var ErrEmptyBody = errors.New("empty ICS body")

// UntitledSummary replaces a missing or blank SUMMARY.
const UntitledSummary = "Untitled Reservation"

// Vendor properties carried by Outlook/Exchange exports.
const (
	propApptSeqTime = "X-MS-OLK-APPTSEQTIME"
	propBusyStatus  = "X-MICROSOFT-CDO-BUSYSTATUS"
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	Source Source

	UID      string
	Sequence *int

	Summary     string
	Description string
	Location    string
	Status      string
	BusyStatus  string
	Organizer   string

	Start  time.Time
	End    time.Time
	AllDay bool
	TZID   string

	AppointmentSequenceTime *time.Time
	LastModified            *time.Time
	DTStamp                 *time.Time
	Created                 *time.Time

	RawRRule   string
	RDates     []time.Time
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool       // true if this VEVENT overrides one recurring instance
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - NUL bytes are stripped before parsing.
//   - Property names are matched case-insensitively.
//   - DTSTART/DTEND honour TZID, resolved as an IANA name, a Windows zone
//     name or the calendar's own VTIMEZONE; floating times use time.Local.
//   - RRULE/RDATE/EXDATE/RECURRENCE-ID are recorded, not expanded;
//     expansion is done in internal/ics/expand.go.
func ParseICS(src Source, body []byte) ([]ParsedEvent, error) {
	body = bytes.ReplaceAll(body, []byte{0}, nil)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("parse calendar %s: %w", src.ID, err)
	}

	zones := newZoneResolver(cal)
	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, zones)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent skipped", "id", src.ID, "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, zones *zoneResolver) (ParsedEvent, error) {
	out := ParsedEvent{Source: src}

	out.UID = strings.TrimSpace(text(ve, string(ical.ComponentPropertyUniqueId)))
	if out.UID == "" {
		return out, errors.New("missing UID")
	}

	dtStart := property(ve, string(ical.ComponentPropertyDtStart))
	if dtStart == nil {
		return out, fmt.Errorf("event %s: missing DTSTART", out.UID)
	}
	start, allDay, err := parseTimeValue(dtStart.Value, dtStart.ICalParameters, zones)
	if err != nil {
		return out, fmt.Errorf("event %s: DTSTART: %w", out.UID, err)
	}
	out.Start = start
	out.AllDay = allDay
	out.TZID = tzidOf(dtStart)

	switch dtEnd := property(ve, string(ical.ComponentPropertyDtEnd)); {
	case dtEnd != nil:
		end, _, err := parseTimeValue(dtEnd.Value, dtEnd.ICalParameters, zones)
		if err != nil {
			return out, fmt.Errorf("event %s: DTEND: %w", out.UID, err)
		}
		out.End = end
	case property(ve, string(ical.ComponentPropertyDuration)) != nil:
		d, err := parseDuration(text(ve, string(ical.ComponentPropertyDuration)))
		if err != nil {
			return out, fmt.Errorf("event %s: DURATION: %w", out.UID, err)
		}
		out.End = start.Add(d)
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}

	out.Summary = strings.TrimSpace(text(ve, string(ical.ComponentPropertySummary)))
	if out.Summary == "" {
		out.Summary = UntitledSummary
	}
	out.Description = text(ve, string(ical.ComponentPropertyDescription))
	out.Location = text(ve, string(ical.ComponentPropertyLocation))
	out.Status = text(ve, string(ical.ComponentPropertyStatus))
	out.BusyStatus = text(ve, propBusyStatus)
	out.Organizer = text(ve, string(ical.ComponentPropertyOrganizer))

	if v := strings.TrimSpace(text(ve, string(ical.ComponentPropertySequence))); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			out.Sequence = &n
		}
	}

	out.AppointmentSequenceTime = timestamp(ve, propApptSeqTime, zones)
	out.Created = timestamp(ve, string(ical.ComponentPropertyCreated), zones)
	out.LastModified = timestamp(ve, string(ical.ComponentPropertyLastModified), zones)
	out.DTStamp = timestamp(ve, string(ical.ComponentPropertyDtstamp), zones)

	out.RawRRule = strings.TrimSpace(text(ve, string(ical.ComponentPropertyRrule)))
	out.RDates = collectTimes(properties(ve, string(ical.ComponentPropertyRdate)), zones)
	out.ExDates = collectTimes(properties(ve, string(ical.ComponentPropertyExdate)), zones)

	if rid := property(ve, string(ical.ComponentPropertyRecurrenceId)); rid != nil {
		t, _, err := parseTimeValue(rid.Value, rid.ICalParameters, zones)
		if err != nil {
			return out, fmt.Errorf("event %s: RECURRENCE-ID: %w", out.UID, err)
		}
		out.Recurrence = &t
		out.IsOverride = true
	}

	return out, nil
}

// property returns the first property with the given name, ignoring case.
func property(ve *ical.VEvent, name string) *ical.IANAProperty {
	for i := range ve.Properties {
		if strings.EqualFold(ve.Properties[i].IANAToken, name) {
			return &ve.Properties[i]
		}
	}
	return nil
}

func properties(ve *ical.VEvent, name string) []*ical.IANAProperty {
	var out []*ical.IANAProperty
	for i := range ve.Properties {
		if strings.EqualFold(ve.Properties[i].IANAToken, name) {
			out = append(out, &ve.Properties[i])
		}
	}
	return out
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func text(ve *ical.VEvent, name string) string {
	p := property(ve, name)
	if p == nil {
		return ""
	}
	return textUnescaper.Replace(p.Value)
}

// timestamp parses an optional date-time property; unparseable values are
// treated as absent.
func timestamp(ve *ical.VEvent, name string, zones *zoneResolver) *time.Time {
	p := property(ve, name)
	if p == nil {
		return nil
	}
	t, _, err := parseTimeValue(p.Value, p.ICalParameters, zones)
	if err != nil {
		appLog.Debug("ics timestamp ignored", "property", name, "value", p.Value)
		return nil
	}
	return &t
}

func collectTimes(props []*ical.IANAProperty, zones *zoneResolver) []time.Time {
	var out []time.Time
	for _, p := range props {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := parseTimeValue(part, p.ICalParameters, zones); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

func tzidOf(p *ical.IANAProperty) string {
	if strings.HasSuffix(strings.TrimSpace(p.Value), "Z") {
		return "UTC"
	}
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		return strings.TrimSpace(tzs[0])
	}
	return ""
}

var dateTimeLayouts = []string{
	"20060102T150405Z",
	"20060102T1504Z",
	"20060102T150405",
	"20060102T1504",
	"20060102",
}

// parseTimeValue parses a DATE or DATE-TIME value. The bool reports a
// date-only value.
func parseTimeValue(value string, params map[string][]string, zones *zoneResolver) (time.Time, bool, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	dateOnly := len(v) == 8
	if vs, ok := params["VALUE"]; ok {
		for _, s := range vs {
			if strings.EqualFold(strings.TrimSpace(s), "DATE") {
				dateOnly = true
			}
		}
	}

	loc := time.Local
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		loc = zones.location(tzs[0])
	}

	for _, layout := range dateTimeLayouts {
		var (
			t   time.Time
			err error
		)
		if strings.HasSuffix(layout, "Z") {
			t, err = time.Parse(layout, v)
		} else {
			t, err = time.ParseInLocation(layout, v, loc)
		}
		if err == nil {
			return t, dateOnly, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unable to parse time value %q", v)
}

var durationRe = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration reads an RFC 5545 DURATION such as "PT1H30M" or "P1D".
func parseDuration(v string) (time.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	m := durationRe.FindStringSubmatch(v)
	if m == nil || v == "P" || strings.HasSuffix(v, "T") {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}
