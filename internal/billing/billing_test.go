package billing

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"billcal/internal/model"
)

var rawCounter atomic.Int64

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func at(s string) time.Time {
	return *ts(s)
}

// makeRaw builds a one-hour [ALPHA] booking whose cancellation timestamps
// sit a week before start unless overridden.
func makeRaw(mod func(r *model.RawOccurrence)) model.RawOccurrence {
	r := model.RawOccurrence{
		UID:        fmt.Sprintf("raw-%d", rawCounter.Add(1)),
		Summary:    "[ALPHA] Test session",
		Organizer:  "alpha@libc.org",
		Start:      at("2025-05-01T10:00:00Z"),
		End:        at("2025-05-01T11:00:00Z"),
		DTStamp:    ts("2025-05-01T10:00:00Z"),
		SourceType: model.SourceSingle,
	}
	if mod != nil {
		mod(&r)
	}
	if r.LastModified == nil {
		r.LastModified = ptr(r.Start.Add(-7 * day))
	}
	if r.AppointmentSequenceTime == nil {
		r.AppointmentSequenceTime = r.LastModified
	}
	return r
}

func ptr(t time.Time) *time.Time { return &t }

func TestExtractProjectCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"[alpha] session", "ALPHA"},
		{"No brackets here", ""},
		{"", ""},
		{"Review [b2] then [C3]", "B2"},
		{"[not-a-code] [ok]", "OK"},
		{"[] empty", ""},
	}
	for _, tc := range cases {
		if got := ExtractProjectCode(tc.in); got != tc.want {
			t.Errorf("ExtractProjectCode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewEngine_Pattern(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(Rules{ProjectCodePattern: `#([a-z]+)`})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if got := e.ExtractProjectCode("sync #ops weekly"); got != "OPS" {
		t.Fatalf("expected OPS, got %q", got)
	}
	if e.Rules().LateCancellationDays != DefaultLateCancellationDays {
		t.Fatalf("expected default threshold, got %v", e.Rules().LateCancellationDays)
	}

	if _, err := NewEngine(Rules{ProjectCodePattern: `\[[A-Z]+\]`}); !errors.Is(err, ErrNoCaptureGroup) {
		t.Fatalf("expected ErrNoCaptureGroup, got %v", err)
	}
	if _, err := NewEngine(Rules{ProjectCodePattern: `([`}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestDetectCancellation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  model.RawOccurrence
		want bool
	}{
		{
			name: "status cancelled wins over busy",
			raw:  model.RawOccurrence{Summary: "[ALPHA] Demo", Status: " cancelled ", BusyStatus: "BUSY"},
			want: true,
		},
		{
			name: "keyword with FREE",
			raw:  model.RawOccurrence{Summary: "Cancelled: X", BusyStatus: "FREE"},
			want: true,
		},
		{
			name: "keyword with BUSY",
			raw:  model.RawOccurrence{Summary: "Cancelled: X", BusyStatus: "BUSY"},
			want: false,
		},
		{
			name: "keyword without busy status",
			raw:  model.RawOccurrence{Summary: "Cancelled: X"},
			want: false,
		},
		{
			name: "mixed case keyword in title",
			raw:  model.RawOccurrence{Summary: "Follow-up [ALPHA] session - CaNcElAdO tonight", BusyStatus: "free"},
			want: true,
		},
		{
			name: "keyword in location",
			raw:  model.RawOccurrence{Summary: "[ALPHA] Demo", Location: "Room 4 (ABGESAGT)", BusyStatus: "FREE"},
			want: true,
		},
		{
			name: "non-latin keyword in description",
			raw:  model.RawOccurrence{Summary: "[ALPHA] Demo", Description: "会议已取消", BusyStatus: "FREE"},
			want: true,
		},
		{
			name: "FREE without keyword",
			raw:  model.RawOccurrence{Summary: "[ALPHA] Demo", BusyStatus: "FREE"},
			want: false,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DetectCancellation(tc.raw); got != tc.want {
				t.Fatalf("DetectCancellation = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDetectCancellation_CustomWords(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(Rules{CancelWords: []string{"  Storniert "}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if !e.DetectCancellation(model.RawOccurrence{Summary: "STORNIERT", BusyStatus: "FREE"}) {
		t.Fatalf("custom word should match")
	}
	if e.DetectCancellation(model.RawOccurrence{Summary: "Cancelled", BusyStatus: "FREE"}) {
		t.Fatalf("default words should not apply when a custom list is set")
	}
}

func TestRun_LateOnTimeAndOverlap(t *testing.T) {
	t.Parallel()

	late := makeRaw(func(r *model.RawOccurrence) {
		r.Summary = "Cancelled: [ALPHA] Late drop"
		r.Status = "CANCELLED"
		r.BusyStatus = "FREE"
		r.Start = at("2025-06-10T10:00:00Z")
		r.End = at("2025-06-10T12:00:00Z")
		r.LastModified = ts("2025-06-09T12:00:00Z")
	})
	active := makeRaw(func(r *model.RawOccurrence) {
		r.Summary = "[BETA] Replacement fill"
		r.Status = "CONFIRMED"
		r.BusyStatus = "BUSY"
		r.Start = at("2025-06-10T11:00:00Z")
		r.End = at("2025-06-10T13:00:00Z")
		r.LastModified = ts("2025-06-01T10:00:00Z")
	})
	onTime := makeRaw(func(r *model.RawOccurrence) {
		r.Summary = "Cancelled: [GAMMA] Plenty notice"
		r.Status = "CANCELLED"
		r.BusyStatus = "FREE"
		r.Start = at("2025-06-15T09:00:00Z")
		r.End = at("2025-06-15T10:30:00Z")
		r.LastModified = ts("2025-05-20T09:00:00Z")
	})

	out := defaultEngine.Run([]model.RawOccurrence{late, active, onTime})

	if out[0].Classification != model.CancelledLate {
		t.Fatalf("expected late, got %s", out[0].Classification)
	}
	if out[0].BillableMinutes != 60 {
		t.Fatalf("late cancellation should lose the 11:00-12:00 overlap, got %d", out[0].BillableMinutes)
	}
	if out[1].Classification != model.Active || out[1].BillableMinutes != 120 {
		t.Fatalf("unexpected active result: %s %d", out[1].Classification, out[1].BillableMinutes)
	}
	if out[2].Classification != model.CancelledOnTime || out[2].BillableMinutes != 0 {
		t.Fatalf("unexpected on-time result: %s %d", out[2].Classification, out[2].BillableMinutes)
	}
	if out[2].DurationMinutes != 90 {
		t.Fatalf("expected 90 duration minutes, got %d", out[2].DurationMinutes)
	}
}

func TestClassify_AppointmentSequenceTimeWins(t *testing.T) {
	t.Parallel()

	raw := makeRaw(func(r *model.RawOccurrence) {
		r.Status = "CANCELLED"
		r.Start = at("2025-08-10T09:00:00Z")
		r.End = at("2025-08-10T10:00:00Z")
		r.AppointmentSequenceTime = ts("2025-08-08T12:00:00Z")
		r.LastModified = ts("2025-07-20T12:00:00Z")
		r.DTStamp = ts("2025-07-20T12:00:00Z")
	})

	occ := defaultEngine.Classify([]model.RawOccurrence{raw})[0]
	if occ.Classification != model.CancelledLate {
		t.Fatalf("expected late via APPTSEQTIME, got %s", occ.Classification)
	}
}

func TestClassify_DTStampBeforeLastModified(t *testing.T) {
	t.Parallel()

	// DTSTAMP says a month's notice, LAST-MODIFIED says one day. The
	// classifier must read DTSTAMP first.
	raw := model.RawOccurrence{
		UID:          "dtstamp",
		Summary:      "[ALPHA] x",
		Status:       "CANCELLED",
		Start:        at("2025-08-10T09:00:00Z"),
		End:          at("2025-08-10T10:00:00Z"),
		DTStamp:      ts("2025-07-10T09:00:00Z"),
		LastModified: ts("2025-08-09T09:00:00Z"),
	}
	occ := defaultEngine.Classify([]model.RawOccurrence{raw})[0]
	if occ.Classification != model.CancelledOnTime {
		t.Fatalf("expected on time from DTSTAMP, got %s", occ.Classification)
	}
}

func TestClassify_NoTimestampIsOnTime(t *testing.T) {
	t.Parallel()

	// No timestamp means lateness cannot be shown: on time, never billed.
	raw := model.RawOccurrence{
		UID:     "no-ts",
		Summary: "[ALPHA] Vanished",
		Status:  "CANCELLED",
		Start:   at("2025-08-10T09:00:00Z"),
		End:     at("2025-08-10T10:00:00Z"),
	}
	occ := defaultEngine.Classify([]model.RawOccurrence{raw})[0]
	if occ.Classification != model.CancelledOnTime {
		t.Fatalf("expected on time, got %s", occ.Classification)
	}
	if occ.BillableMinutes != 0 || occ.DurationMinutes != 60 {
		t.Fatalf("unexpected minutes: billable=%d duration=%d", occ.BillableMinutes, occ.DurationMinutes)
	}
}

func TestClassify_Threshold(t *testing.T) {
	t.Parallel()

	start := at("2025-09-10T09:00:00Z")
	mk := func(notice time.Duration) model.RawOccurrence {
		return model.RawOccurrence{
			UID:                     "thr",
			Status:                  "CANCELLED",
			Start:                   start,
			End:                     start.Add(time.Hour),
			AppointmentSequenceTime: ptr(start.Add(-notice)),
		}
	}

	out := defaultEngine.Classify([]model.RawOccurrence{
		mk(7 * day),
		mk(7*day - time.Minute),
		mk(-2 * day),
	})
	if out[0].Classification != model.CancelledOnTime {
		t.Fatalf("exactly 7 days notice should be on time, got %s", out[0].Classification)
	}
	if out[1].Classification != model.CancelledLate {
		t.Fatalf("just under 7 days should be late, got %s", out[1].Classification)
	}
	if out[2].Classification != model.CancelledLate {
		t.Fatalf("cancellation after start should be late, got %s", out[2].Classification)
	}

	strict, err := NewEngine(Rules{LateCancellationDays: 14})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if got := strict.Classify([]model.RawOccurrence{mk(10 * day)})[0].Classification; got != model.CancelledLate {
		t.Fatalf("10 days notice with a 14 day threshold should be late, got %s", got)
	}
}

func TestClassify_DurationAndID(t *testing.T) {
	t.Parallel()

	start := at("2025-09-10T09:00:00Z")
	out := defaultEngine.Classify([]model.RawOccurrence{
		{UID: "inv", Start: start, End: start.Add(-time.Hour)},
		{UID: "half", Start: start, End: start.Add(90 * time.Second)},
		{UID: "rec", RecurrenceID: "2025-09-10T09:00:00.000Z", Start: start, End: start.Add(time.Hour)},
	})

	if out[0].DurationMinutes != 0 || out[0].BillableMinutes != 0 {
		t.Fatalf("inverted range should clamp to 0, got %d/%d", out[0].DurationMinutes, out[0].BillableMinutes)
	}
	if out[1].DurationMinutes != 2 {
		t.Fatalf("90s should round to 2 minutes, got %d", out[1].DurationMinutes)
	}
	if out[0].ID != "inv_2025-09-10T09:00:00.000Z" {
		t.Fatalf("unexpected fallback id %q", out[0].ID)
	}
	if out[2].ID != "rec_2025-09-10T09:00:00.000Z" {
		t.Fatalf("unexpected recurrence id %q", out[2].ID)
	}
	if out[0].ProjectCode != "" || out[0].ProjectLabel() != model.UnknownProjectLabel {
		t.Fatalf("expected unknown project, got %q", out[0].ProjectLabel())
	}
}

func TestClassify_KeywordButBusyStaysActive(t *testing.T) {
	t.Parallel()

	raw := makeRaw(func(r *model.RawOccurrence) {
		r.Summary = "Reminder: Session CANCELLED but still busy"
		r.BusyStatus = "BUSY"
		r.Status = "CONFIRMED"
	})
	occ := defaultEngine.Classify([]model.RawOccurrence{raw})[0]
	if occ.Classification != model.Active || occ.IsCancelled {
		t.Fatalf("expected active, got %s cancelled=%v", occ.Classification, occ.IsCancelled)
	}
}
