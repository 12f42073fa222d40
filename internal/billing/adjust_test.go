package billing

import (
	"reflect"
	"testing"
	"time"

	"billcal/internal/model"
)

func lateCancel(uid, summary, start, end, cancelledAt string) model.RawOccurrence {
	return model.RawOccurrence{
		UID:          uid,
		Summary:      summary,
		Status:       "CANCELLED",
		BusyStatus:   "FREE",
		Start:        at(start),
		End:          at(end),
		LastModified: ts(cancelledAt),
		DTStamp:      ts(cancelledAt),
	}
}

func booking(uid, summary, start, end string) model.RawOccurrence {
	return model.RawOccurrence{
		UID:        uid,
		Summary:    summary,
		Status:     "CONFIRMED",
		BusyStatus: "BUSY",
		Start:      at(start),
		End:        at(end),
	}
}

func byUID(occs []model.Occurrence) map[string]model.Occurrence {
	m := make(map[string]model.Occurrence, len(occs))
	for _, o := range occs {
		m[o.UID] = o
	}
	return m
}

func TestAdjust_LaterCancellationKeepsCredit(t *testing.T) {
	t.Parallel()

	a := lateCancel("a", "[ALPHA] Late cancel A", "2025-07-05T10:00:00Z", "2025-07-05T12:00:00Z", "2025-07-03T10:00:00Z")
	b := lateCancel("b", "[BETA] Late cancel B", "2025-07-05T11:00:00Z", "2025-07-05T13:00:00Z", "2025-07-04T10:00:00Z")

	got := byUID(defaultEngine.Run([]model.RawOccurrence{a, b}))
	if got["a"].BillableMinutes != 60 {
		t.Fatalf("earlier cancellation should keep only 10:00-11:00, got %d", got["a"].BillableMinutes)
	}
	if got["b"].BillableMinutes != 120 {
		t.Fatalf("later cancellation should be unaffected, got %d", got["b"].BillableMinutes)
	}
}

func TestAdjust_TieBrokenByID(t *testing.T) {
	t.Parallel()

	same := "2025-07-04T10:00:00Z"
	x := lateCancel("x", "[ALPHA] x", "2025-07-05T10:00:00Z", "2025-07-05T12:00:00Z", same)
	y := lateCancel("y", "[ALPHA] y", "2025-07-05T10:00:00Z", "2025-07-05T12:00:00Z", same)

	for _, in := range [][]model.RawOccurrence{{x, y}, {y, x}} {
		got := byUID(defaultEngine.Run(in))
		if got["x"].BillableMinutes != 0 {
			t.Fatalf("x sorts first and should lose the overlap, got %d", got["x"].BillableMinutes)
		}
		if got["y"].BillableMinutes != 120 {
			t.Fatalf("y sorts last and should keep full minutes, got %d", got["y"].BillableMinutes)
		}
	}
}

func TestAdjust_CreditTimestampOrder(t *testing.T) {
	t.Parallel()

	// The credit pass reads LAST-MODIFIED before DTSTAMP. By LAST-MODIFIED
	// p was cancelled later; by DTSTAMP q was.
	p := lateCancel("p", "[ALPHA] p", "2025-07-05T10:00:00Z", "2025-07-05T11:00:00Z", "2025-07-04T12:00:00Z")
	p.DTStamp = ts("2025-07-03T00:00:00Z")
	q := lateCancel("q", "[ALPHA] q", "2025-07-05T10:00:00Z", "2025-07-05T11:00:00Z", "2025-07-04T08:00:00Z")
	q.DTStamp = ts("2025-07-04T20:00:00Z")

	got := byUID(defaultEngine.Run([]model.RawOccurrence{p, q}))
	if got["p"].BillableMinutes != 60 || got["q"].BillableMinutes != 0 {
		t.Fatalf("expected p=60 q=0, got p=%d q=%d", got["p"].BillableMinutes, got["q"].BillableMinutes)
	}
}

func TestAdjust_NonBillableReplacementGivesNoCredit(t *testing.T) {
	t.Parallel()

	late := lateCancel("late", "[ALPHA] Late cancel", "2025-07-01T10:00:00Z", "2025-07-01T12:00:00Z", "2025-06-30T12:00:00Z")
	hold := booking("hold", "[Z] Maintenance hold", "2025-07-01T10:00:00Z", "2025-07-01T12:00:00Z")
	uncoded := booking("uncoded", "Walk-in", "2025-07-01T10:00:00Z", "2025-07-01T12:00:00Z")
	lower := booking("lower", "[r] research", "2025-07-01T10:00:00Z", "2025-07-01T12:00:00Z")

	got := byUID(defaultEngine.Run([]model.RawOccurrence{late, hold, uncoded, lower}))
	if got["late"].BillableMinutes != 120 {
		t.Fatalf("non-billable overlap must not credit, got %d", got["late"].BillableMinutes)
	}
}

func TestAdjust_NonBillableLaterCancellationIgnored(t *testing.T) {
	t.Parallel()

	billable := lateCancel("alpha", "[ALPHA] Late cancel billable", "2025-07-07T08:00:00Z", "2025-07-07T10:00:00Z", "2025-07-06T08:00:00Z")
	nonBillable := lateCancel("z", "[Z] Late cancel non-billable", "2025-07-07T09:00:00Z", "2025-07-07T11:00:00Z", "2025-07-06T12:00:00Z")

	got := byUID(defaultEngine.Run([]model.RawOccurrence{billable, nonBillable}))
	if got["alpha"].BillableMinutes != 120 || got["z"].BillableMinutes != 120 {
		t.Fatalf("expected both 120, got alpha=%d z=%d", got["alpha"].BillableMinutes, got["z"].BillableMinutes)
	}
}

func TestAdjust_OverlapsAreMergedNotDoubleCounted(t *testing.T) {
	t.Parallel()

	late := lateCancel("late", "[ALPHA] Late", "2025-07-01T09:00:00Z", "2025-07-01T13:00:00Z", "2025-06-30T12:00:00Z")
	r1 := booking("r1", "[BETA] fill 1", "2025-07-01T09:30:00Z", "2025-07-01T11:00:00Z")
	r2 := booking("r2", "[GAMMA] fill 2", "2025-07-01T10:00:00Z", "2025-07-01T11:30:00Z")
	r3 := booking("r3", "[DELTA] fill 3", "2025-07-01T12:30:00Z", "2025-07-01T14:00:00Z")

	got := byUID(defaultEngine.Run([]model.RawOccurrence{late, r1, r2, r3}))
	// 09:30-11:30 (120) + 12:30-13:00 (30) covered; 240-150 = 90.
	if got["late"].BillableMinutes != 90 {
		t.Fatalf("expected 90, got %d", got["late"].BillableMinutes)
	}
}

func TestAdjust_FlooredAtZeroAndSkipsZero(t *testing.T) {
	t.Parallel()

	late := lateCancel("late", "[ALPHA] Late", "2025-07-01T10:00:00Z", "2025-07-01T11:00:00Z", "2025-06-30T12:00:00Z")
	cover := booking("cover", "[BETA] Big block", "2025-07-01T08:00:00Z", "2025-07-01T18:00:00Z")
	empty := lateCancel("empty", "[ALPHA] zero", "2025-07-01T10:00:00Z", "2025-07-01T10:00:00Z", "2025-06-30T12:00:00Z")

	got := byUID(defaultEngine.Run([]model.RawOccurrence{late, cover, empty}))
	if got["late"].BillableMinutes != 0 {
		t.Fatalf("expected 0, got %d", got["late"].BillableMinutes)
	}
	if got["empty"].BillableMinutes != 0 || got["empty"].Classification != model.CancelledLate {
		t.Fatalf("zero-length late cancellation should stay at 0, got %+v", got["empty"])
	}
}

func TestAdjust_ChainUsesSnapshot(t *testing.T) {
	t.Parallel()

	// a < b < c by cancellation time, all covering the same hour. Each
	// earlier one is credited by the later ones; c keeps full minutes even
	// though b itself is reduced.
	a := lateCancel("a", "[ALPHA] a", "2025-07-05T10:00:00Z", "2025-07-05T11:00:00Z", "2025-07-03T10:00:00Z")
	b := lateCancel("b", "[ALPHA] b", "2025-07-05T10:00:00Z", "2025-07-05T11:00:00Z", "2025-07-04T10:00:00Z")
	c := lateCancel("c", "[ALPHA] c", "2025-07-05T10:00:00Z", "2025-07-05T11:00:00Z", "2025-07-04T20:00:00Z")

	want := map[string]int{"a": 0, "b": 0, "c": 60}
	orders := [][]model.RawOccurrence{{a, b, c}, {c, b, a}, {b, c, a}}
	for _, in := range orders {
		got := byUID(defaultEngine.Run(in))
		for uid, w := range want {
			if got[uid].BillableMinutes != w {
				t.Fatalf("order %v: %s = %d, want %d", uids(in), uid, got[uid].BillableMinutes, w)
			}
		}
	}
}

func TestAdjust_DoesNotMutateInputAndIsRepeatable(t *testing.T) {
	t.Parallel()

	late := lateCancel("late", "[ALPHA] Late", "2025-07-01T10:00:00Z", "2025-07-01T12:00:00Z", "2025-06-30T12:00:00Z")
	fill := booking("fill", "[BETA] fill", "2025-07-01T11:00:00Z", "2025-07-01T12:00:00Z")

	classified := defaultEngine.Classify([]model.RawOccurrence{late, fill})
	before := append([]model.Occurrence(nil), classified...)

	once := defaultEngine.Adjust(classified)
	twice := defaultEngine.Adjust(once)

	if !reflect.DeepEqual(classified, before) {
		t.Fatalf("Adjust mutated its input")
	}
	if once[0].BillableMinutes != 60 {
		t.Fatalf("expected 60, got %d", once[0].BillableMinutes)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("Adjust is not repeatable: %d vs %d", once[0].BillableMinutes, twice[0].BillableMinutes)
	}
}

func TestAdjust_CustomUnbillableSet(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(Rules{UnbillableProjects: []string{"beta"}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	late := lateCancel("late", "[ALPHA] Late", "2025-07-01T10:00:00Z", "2025-07-01T12:00:00Z", "2025-06-30T12:00:00Z")
	beta := booking("beta", "[BETA] fill", "2025-07-01T10:00:00Z", "2025-07-01T11:00:00Z")
	walkIn := booking("walkin", "Walk-in", "2025-07-01T11:00:00Z", "2025-07-01T12:00:00Z")

	got := byUID(e.Run([]model.RawOccurrence{late, beta, walkIn}))
	// BETA is unbillable here; UNKNOWN is billable since the set was replaced.
	if got["late"].BillableMinutes != 60 {
		t.Fatalf("expected 60, got %d", got["late"].BillableMinutes)
	}
}

func TestRun_Invariants(t *testing.T) {
	t.Parallel()

	base := at("2025-10-01T08:00:00Z")
	var raws []model.RawOccurrence
	codes := []string{"[ALPHA]", "[BETA]", "[Z]", ""}
	for i := 0; i < 40; i++ {
		start := base.Add(time.Duration(i*37%300) * time.Minute)
		r := model.RawOccurrence{
			UID:     "inv-" + string(rune('A'+i%26)) + string(rune('a'+i/26)),
			Summary: codes[i%len(codes)] + " slot",
			Start:   start,
			End:     start.Add(time.Duration(30+(i*13)%120) * time.Minute),
		}
		switch i % 3 {
		case 1:
			r.Status = "CANCELLED"
			r.LastModified = ptr(start.Add(-time.Duration(i%10) * day))
		case 2:
			r.Status = "CANCELLED"
			r.AppointmentSequenceTime = ptr(start.Add(-time.Duration(i) * time.Hour))
		}
		raws = append(raws, r)
	}

	out := defaultEngine.Run(raws)
	seen := make(map[string]bool)
	for _, o := range out {
		if o.BillableMinutes < 0 || o.BillableMinutes > o.DurationMinutes {
			t.Fatalf("%s: billable %d outside [0,%d]", o.ID, o.BillableMinutes, o.DurationMinutes)
		}
		if o.Classification == model.CancelledOnTime && o.BillableMinutes != 0 {
			t.Fatalf("%s: on-time cancellation billed %d", o.ID, o.BillableMinutes)
		}
		if o.Classification == model.Active && o.BillableMinutes != o.DurationMinutes {
			t.Fatalf("%s: active booking reduced", o.ID)
		}
		if seen[o.ID] {
			t.Fatalf("duplicate id %s", o.ID)
		}
		seen[o.ID] = true
	}

	reversed := make([]model.RawOccurrence, len(raws))
	for i := range raws {
		reversed[len(raws)-1-i] = raws[i]
	}
	back := byUID(defaultEngine.Run(reversed))
	for _, o := range out {
		if back[o.UID].BillableMinutes != o.BillableMinutes {
			t.Fatalf("%s: order dependent result %d vs %d", o.UID, o.BillableMinutes, back[o.UID].BillableMinutes)
		}
	}
}

func TestSortByStart(t *testing.T) {
	t.Parallel()

	occs := []model.Occurrence{
		{ID: "b", RawOccurrence: model.RawOccurrence{Start: at("2025-01-02T00:00:00Z")}},
		{ID: "c", RawOccurrence: model.RawOccurrence{Start: at("2025-01-01T00:00:00Z")}},
		{ID: "a", RawOccurrence: model.RawOccurrence{Start: at("2025-01-02T00:00:00Z")}},
	}
	SortByStart(occs)
	if occs[0].ID != "c" || occs[1].ID != "a" || occs[2].ID != "b" {
		t.Fatalf("unexpected order: %s %s %s", occs[0].ID, occs[1].ID, occs[2].ID)
	}
}

func uids(raws []model.RawOccurrence) []string {
	out := make([]string, len(raws))
	for i, r := range raws {
		out[i] = r.UID
	}
	return out
}
