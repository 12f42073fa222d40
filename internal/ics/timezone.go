package ics

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "billcal/internal/log"
)

// VTIMEZONE observance properties.
const (
	propTZOffsetTo   = "TZOFFSETTO"
	propTZOffsetFrom = "TZOFFSETFROM"
	propTZName       = "TZNAME"
)

// vtimezoneHorizon bounds the transitions generated from VTIMEZONE rules.
// Later instants keep the last offset.
var vtimezoneHorizon = time.Date(2038, 1, 1, 0, 0, 0, 0, time.UTC)

// zoneResolver maps TZID parameters to locations for one calendar. Lookup
// order: IANA name, Windows zone name, the calendar's own VTIMEZONE, and
// finally time.Local.
type zoneResolver struct {
	vtimezones map[string]*ical.VTimezone
	cache      map[string]*time.Location
}

func newZoneResolver(cal *ical.Calendar) *zoneResolver {
	z := &zoneResolver{
		vtimezones: make(map[string]*ical.VTimezone),
		cache:      make(map[string]*time.Location),
	}
	if cal == nil {
		return z
	}
	for _, tz := range cal.Timezones() {
		p := tz.GetProperty(ical.ComponentPropertyTzid)
		if p == nil {
			continue
		}
		z.vtimezones[strings.TrimSpace(p.Value)] = tz
	}
	return z
}

func (z *zoneResolver) location(tzid string) *time.Location {
	name := strings.Trim(strings.TrimSpace(tzid), `"`)
	if z != nil {
		if loc, ok := z.cache[name]; ok {
			return loc
		}
	}

	loc := z.lookup(name)
	if z != nil {
		z.cache[name] = loc
	}
	return loc
}

func (z *zoneResolver) lookup(name string) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if iana, ok := windowsZones[name]; ok {
		if loc, err := time.LoadLocation(iana); err == nil {
			return loc
		}
	}
	if z != nil {
		if tz, ok := z.vtimezones[name]; ok {
			loc, err := locationFromVTimezone(name, tz)
			if err == nil {
				return loc
			}
			appLog.Warn("ics VTIMEZONE unusable", "tzid", name, "reason", err.Error())
		}
	}
	appLog.Debug("ics unknown TZID, using local time", "tzid", name)
	return time.Local
}

// transition is one onset of a STANDARD or DAYLIGHT observance.
type transition struct {
	at     int64 // unix seconds
	from   int
	offset int
	isDST  bool
	abbr   string
}

// locationFromVTimezone compiles the observances of a VTIMEZONE into a
// location with real DST transitions, so recurring events keep their wall
// clock time across changes.
func locationFromVTimezone(name string, tz *ical.VTimezone) (*time.Location, error) {
	var all []transition
	for _, c := range tz.SubComponents() {
		var (
			base  *ical.ComponentBase
			isDST bool
		)
		switch o := c.(type) {
		case *ical.Standard:
			base = &o.ComponentBase
		case *ical.Daylight:
			base, isDST = &o.ComponentBase, true
		default:
			continue
		}
		ts, err := observanceTransitions(base, isDST)
		if err != nil {
			appLog.Debug("ics VTIMEZONE observance skipped", "tzid", name, "reason", err.Error())
			continue
		}
		all = append(all, ts...)
	}
	if len(all) == 0 {
		return nil, errors.New("no usable STANDARD/DAYLIGHT observance")
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].at < all[j].at })

	// TZif v1 stores 32-bit times; older onsets only decide the initial offset.
	var (
		initial *transition
		kept    []transition
	)
	for i := range all {
		switch {
		case all[i].at < math.MinInt32:
			initial = &all[i]
		case all[i].at > math.MaxInt32:
		case len(kept) > 0 && kept[len(kept)-1].at == all[i].at:
			kept[len(kept)-1] = all[i]
		default:
			kept = append(kept, all[i])
		}
	}
	if len(kept) == 0 {
		last := all[len(all)-1]
		if initial != nil {
			last = *initial
		}
		return time.FixedZone(last.abbr, last.offset), nil
	}
	if initial == nil {
		from := kept[0].from
		initial = &transition{offset: from, abbr: formatUTCOffset(from)}
	}
	return time.LoadLocationFromTZData(name, buildTZif(*initial, kept))
}

func observanceTransitions(c *ical.ComponentBase, isDST bool) ([]transition, error) {
	start := c.GetProperty(ical.ComponentPropertyDtStart)
	to := c.GetProperty(ical.ComponentProperty(propTZOffsetTo))
	if start == nil || to == nil {
		return nil, errors.New("missing DTSTART or TZOFFSETTO")
	}
	offsetTo, err := parseUTCOffset(to.Value)
	if err != nil {
		return nil, err
	}
	offsetFrom := offsetTo
	if from := c.GetProperty(ical.ComponentProperty(propTZOffsetFrom)); from != nil {
		if offsetFrom, err = parseUTCOffset(from.Value); err != nil {
			return nil, err
		}
	}
	abbr := formatUTCOffset(offsetTo)
	if n := c.GetProperty(ical.ComponentProperty(propTZName)); n != nil && strings.TrimSpace(n.Value) != "" {
		abbr = strings.TrimSpace(n.Value)
	}

	// Onset wall times are local to the offset in effect before the onset.
	wall, err := time.Parse("20060102T150405", strings.TrimSpace(start.Value))
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	walls := []time.Time{wall}
	if rr := c.GetProperty(ical.ComponentPropertyRrule); rr != nil {
		opt, err := rrule.StrToROption(rr.Value)
		if err != nil {
			return nil, fmt.Errorf("RRULE: %w", err)
		}
		opt.Dtstart = wall
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("RRULE: %w", err)
		}
		walls = r.Between(wall, vtimezoneHorizon, true)
	}
	for _, p := range c.GetProperties(ical.ComponentPropertyRdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := time.Parse("20060102T150405", strings.TrimSpace(part)); err == nil {
				walls = append(walls, t)
			}
		}
	}

	out := make([]transition, 0, len(walls))
	for _, w := range walls {
		out = append(out, transition{
			at:     w.Unix() - int64(offsetFrom),
			from:   offsetFrom,
			offset: offsetTo,
			isDST:  isDST,
			abbr:   abbr,
		})
	}
	return out, nil
}

// buildTZif encodes a version 1 TZif blob for time.LoadLocationFromTZData.
// Type 0 is the zone in effect before the first transition.
func buildTZif(initial transition, trans []transition) []byte {
	type zoneType struct {
		offset int
		isDST  bool
		abbr   string
	}
	var (
		types   []zoneType
		abbrs   bytes.Buffer
		abbrIdx = make(map[string]int)
	)
	typeIndex := func(t transition) byte {
		zt := zoneType{t.offset, t.isDST, t.abbr}
		for i, existing := range types {
			if existing == zt {
				return byte(i)
			}
		}
		if _, ok := abbrIdx[t.abbr]; !ok {
			abbrIdx[t.abbr] = abbrs.Len()
			abbrs.WriteString(t.abbr)
			abbrs.WriteByte(0)
		}
		types = append(types, zt)
		return byte(len(types) - 1)
	}
	typeIndex(initial)
	indices := make([]byte, len(trans))
	for i, t := range trans {
		indices[i] = typeIndex(t)
	}

	var b bytes.Buffer
	b.WriteString("TZif")
	b.Write(make([]byte, 16)) // version 1 + reserved
	for _, n := range []int{0, 0, 0, len(trans), len(types), abbrs.Len()} {
		_ = binary.Write(&b, binary.BigEndian, uint32(n))
	}
	for _, t := range trans {
		_ = binary.Write(&b, binary.BigEndian, int32(t.at))
	}
	b.Write(indices)
	for _, zt := range types {
		_ = binary.Write(&b, binary.BigEndian, int32(zt.offset))
		dst := byte(0)
		if zt.isDST {
			dst = 1
		}
		b.WriteByte(dst)
		b.WriteByte(byte(abbrIdx[zt.abbr]))
	}
	b.Write(abbrs.Bytes())
	return b.Bytes()
}

// parseUTCOffset reads "+0200", "-0500" or "+053000" as seconds east of UTC.
func parseUTCOffset(v string) (int, error) {
	v = strings.TrimSpace(v)
	if (len(v) != 5 && len(v) != 7) || (v[0] != '+' && v[0] != '-') {
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}
	hh, err1 := strconv.Atoi(v[1:3])
	mm, err2 := strconv.Atoi(v[3:5])
	ss := 0
	var err3 error
	if len(v) == 7 {
		ss, err3 = strconv.Atoi(v[5:7])
	}
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}
	secs := hh*3600 + mm*60 + ss
	if v[0] == '-' {
		secs = -secs
	}
	return secs, nil
}

func formatUTCOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign, secs = '-', -secs
	}
	return fmt.Sprintf("%c%02d%02d", sign, secs/3600, secs%3600/60)
}

// windowsZones maps Windows time zone names, as written by Outlook and
// Exchange, to their CLDR primary IANA zone.
var windowsZones = map[string]string{
	"Dateline Standard Time":          "Etc/GMT+12",
	"UTC-11":                          "Etc/GMT+11",
	"Hawaiian Standard Time":          "Pacific/Honolulu",
	"Alaskan Standard Time":           "America/Anchorage",
	"Pacific Standard Time (Mexico)":  "America/Tijuana",
	"Pacific Standard Time":           "America/Los_Angeles",
	"US Mountain Standard Time":       "America/Phoenix",
	"Mountain Standard Time (Mexico)": "America/Mazatlan",
	"Mountain Standard Time":          "America/Denver",
	"Central America Standard Time":   "America/Guatemala",
	"Central Standard Time":           "America/Chicago",
	"Central Standard Time (Mexico)":  "America/Mexico_City",
	"Canada Central Standard Time":    "America/Regina",
	"SA Pacific Standard Time":        "America/Bogota",
	"Eastern Standard Time":           "America/New_York",
	"Eastern Standard Time (Mexico)":  "America/Cancun",
	"US Eastern Standard Time":        "America/Indianapolis",
	"Venezuela Standard Time":         "America/Caracas",
	"Atlantic Standard Time":          "America/Halifax",
	"SA Western Standard Time":        "America/La_Paz",
	"Pacific SA Standard Time":        "America/Santiago",
	"Newfoundland Standard Time":      "America/St_Johns",
	"E. South America Standard Time":  "America/Sao_Paulo",
	"Argentina Standard Time":         "America/Buenos_Aires",
	"SA Eastern Standard Time":        "America/Cayenne",
	"Greenland Standard Time":         "America/Godthab",
	"Montevideo Standard Time":        "America/Montevideo",
	"UTC-02":                          "Etc/GMT+2",
	"Azores Standard Time":            "Atlantic/Azores",
	"Cape Verde Standard Time":        "Atlantic/Cape_Verde",
	"UTC":                             "Etc/UTC",
	"GMT Standard Time":               "Europe/London",
	"Greenwich Standard Time":         "Atlantic/Reykjavik",
	"Morocco Standard Time":           "Africa/Casablanca",
	"W. Europe Standard Time":         "Europe/Berlin",
	"Central Europe Standard Time":    "Europe/Budapest",
	"Romance Standard Time":           "Europe/Paris",
	"Central European Standard Time":  "Europe/Warsaw",
	"W. Central Africa Standard Time": "Africa/Lagos",
	"GTB Standard Time":               "Europe/Bucharest",
	"E. Europe Standard Time":         "Europe/Chisinau",
	"Egypt Standard Time":             "Africa/Cairo",
	"FLE Standard Time":               "Europe/Kiev",
	"Israel Standard Time":            "Asia/Jerusalem",
	"South Africa Standard Time":      "Africa/Johannesburg",
	"Jordan Standard Time":            "Asia/Amman",
	"Middle East Standard Time":       "Asia/Beirut",
	"Syria Standard Time":             "Asia/Damascus",
	"Turkey Standard Time":            "Europe/Istanbul",
	"Arab Standard Time":              "Asia/Riyadh",
	"Arabic Standard Time":            "Asia/Baghdad",
	"Russian Standard Time":           "Europe/Moscow",
	"E. Africa Standard Time":         "Africa/Nairobi",
	"Iran Standard Time":              "Asia/Tehran",
	"Arabian Standard Time":           "Asia/Dubai",
	"Azerbaijan Standard Time":        "Asia/Baku",
	"Georgian Standard Time":          "Asia/Tbilisi",
	"Caucasus Standard Time":          "Asia/Yerevan",
	"Afghanistan Standard Time":       "Asia/Kabul",
	"West Asia Standard Time":         "Asia/Tashkent",
	"Pakistan Standard Time":          "Asia/Karachi",
	"India Standard Time":             "Asia/Calcutta",
	"Sri Lanka Standard Time":         "Asia/Colombo",
	"Nepal Standard Time":             "Asia/Katmandu",
	"Central Asia Standard Time":      "Asia/Almaty",
	"Bangladesh Standard Time":        "Asia/Dhaka",
	"Myanmar Standard Time":           "Asia/Rangoon",
	"SE Asia Standard Time":           "Asia/Bangkok",
	"N. Central Asia Standard Time":   "Asia/Novosibirsk",
	"China Standard Time":             "Asia/Shanghai",
	"North Asia Standard Time":        "Asia/Krasnoyarsk",
	"Singapore Standard Time":         "Asia/Singapore",
	"W. Australia Standard Time":      "Australia/Perth",
	"Taipei Standard Time":            "Asia/Taipei",
	"Tokyo Standard Time":             "Asia/Tokyo",
	"Korea Standard Time":             "Asia/Seoul",
	"Cen. Australia Standard Time":    "Australia/Adelaide",
	"AUS Central Standard Time":       "Australia/Darwin",
	"E. Australia Standard Time":      "Australia/Brisbane",
	"AUS Eastern Standard Time":       "Australia/Sydney",
	"West Pacific Standard Time":      "Pacific/Port_Moresby",
	"Tasmania Standard Time":          "Australia/Hobart",
	"Vladivostok Standard Time":       "Asia/Vladivostok",
	"Central Pacific Standard Time":   "Pacific/Guadalcanal",
	"New Zealand Standard Time":       "Pacific/Auckland",
	"Fiji Standard Time":              "Pacific/Fiji",
	"Tonga Standard Time":             "Pacific/Tongatapu",
}
