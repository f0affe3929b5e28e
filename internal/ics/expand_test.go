package ics

import (
	"sort"
	"testing"
	"time"

	"trainsync/internal/model"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func starts(instances []model.EventInstance) []time.Time {
	out := make([]time.Time, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Start)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sameTimes(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func weeklySeries(uid string, start time.Time, count string) RecurringEvent {
	return RecurringEvent{
		Template: SingleEvent{
			UID:    uid,
			Title:  "Team practice",
			Status: model.StatusConfirmed,
			Start:  start,
			End:    start.Add(90 * time.Minute),
		},
		RRule:     "FREQ=WEEKLY;COUNT=" + count,
		Overrides: map[int64]SingleEvent{},
	}
}

func TestExpandExclusion(t *testing.T) {
	t1 := utc(2025, 3, 3, 17, 0)
	t2 := t1.AddDate(0, 0, 7)
	t3 := t1.AddDate(0, 0, 14)

	series := weeklySeries("weekly", t1, "3")
	series.ExceptionDates = []time.Time{t2}

	res, err := Expand(map[string]Component{"weekly": series}, ExpandConfig{
		RangeStart: utc(2025, 3, 1, 0, 0),
		RangeEnd:   utc(2025, 3, 31, 0, 0),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got, want := starts(res.Instances), []time.Time{t1, t3}; !sameTimes(got, want) {
		t.Errorf("starts = %v, want %v", got, want)
	}
	for _, inst := range res.Instances {
		if inst.End.Sub(inst.Start) != 90*time.Minute {
			t.Errorf("instance %v length = %v, want 90m", inst.Start, inst.End.Sub(inst.Start))
		}
	}
}

func TestExpandWindowInclusive(t *testing.T) {
	rangeStart := utc(2025, 3, 3, 17, 0)
	rangeEnd := utc(2025, 3, 17, 17, 0)

	comps := map[string]Component{
		"series":   weeklySeries("series", rangeStart, "3"),
		"at-start": SingleEvent{UID: "at-start", Title: "A", Start: rangeStart},
		"at-end":   SingleEvent{UID: "at-end", Title: "B", Start: rangeEnd},
		"before":   SingleEvent{UID: "before", Title: "C", Start: rangeStart.Add(-time.Second)},
		"after":    SingleEvent{UID: "after", Title: "D", Start: rangeEnd.Add(time.Second)},
	}

	res, err := Expand(comps, ExpandConfig{RangeStart: rangeStart, RangeEnd: rangeEnd})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	byUID := make(map[string]int)
	for _, inst := range res.Instances {
		byUID[inst.UID]++
	}
	if byUID["series"] != 3 {
		t.Errorf("series instances = %d, want 3 (both bounds inclusive)", byUID["series"])
	}
	if byUID["at-start"] != 1 || byUID["at-end"] != 1 {
		t.Errorf("boundary single events missing: %v", byUID)
	}
	if byUID["before"] != 0 || byUID["after"] != 0 {
		t.Errorf("out-of-window single events included: %v", byUID)
	}
}

func TestExpandPlaceholderTitle(t *testing.T) {
	start := utc(2025, 3, 10, 18, 0)
	comps := map[string]Component{
		"with-desc": SingleEvent{UID: "with-desc", Title: "Busy", Description: "Physio session", Start: start},
		"no-desc":   SingleEvent{UID: "no-desc", Title: "Busy", Start: start},
		"french":    SingleEvent{UID: "french", Title: " Occupé ", Description: "Musculation", Start: start},
		"empty":     SingleEvent{UID: "empty", Title: "", Description: "ignored", Start: start},
		"plain":     SingleEvent{UID: "plain", Title: "Sprint training", Description: "x", Start: start},
	}
	want := map[string]string{
		"with-desc": "Physio session",
		"no-desc":   "Training",
		"french":    "Musculation",
		"empty":     "Training",
		"plain":     "Sprint training",
	}

	res, err := Expand(comps, ExpandConfig{RangeStart: start, RangeEnd: start})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Instances) != len(want) {
		t.Fatalf("len(Instances) = %d, want %d", len(res.Instances), len(want))
	}
	for _, inst := range res.Instances {
		if inst.Title != want[inst.UID] {
			t.Errorf("%s: Title = %q, want %q", inst.UID, inst.Title, want[inst.UID])
		}
	}
}

func TestExpandOverrides(t *testing.T) {
	t1 := utc(2025, 3, 3, 17, 0)
	series := weeklySeries("weekly", t1, "4")

	// Occurrence 2 is retitled and cancelled; occurrence 1 (outside the
	// window) is moved into it; occurrence 3 is excluded and its override
	// must not bring it back.
	series.Overrides[t1.AddDate(0, 0, 7).Unix()] = SingleEvent{
		UID: "weekly", Title: "Cancelled practice", Status: model.StatusCancelled,
		Start: t1.AddDate(0, 0, 7), End: t1.AddDate(0, 0, 7).Add(time.Hour),
	}
	series.Overrides[t1.Unix()] = SingleEvent{
		UID: "weekly", Title: "Moved practice", Status: model.StatusConfirmed,
		Start: utc(2025, 3, 12, 17, 0), End: utc(2025, 3, 12, 18, 0),
	}
	series.ExceptionDates = []time.Time{t1.AddDate(0, 0, 14)}
	series.Overrides[t1.AddDate(0, 0, 14).Unix()] = SingleEvent{
		UID: "weekly", Title: "Ghost", Status: model.StatusConfirmed,
		Start: t1.AddDate(0, 0, 14),
	}

	res, err := Expand(map[string]Component{"weekly": series}, ExpandConfig{
		RangeStart: utc(2025, 3, 8, 0, 0),
		RangeEnd:   utc(2025, 3, 31, 0, 0),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	titles := make(map[time.Time]model.EventInstance)
	for _, inst := range res.Instances {
		titles[inst.Start] = inst
	}
	if len(titles) != 3 {
		t.Fatalf("instances = %v, want 3", starts(res.Instances))
	}
	if inst := titles[t1.AddDate(0, 0, 7)]; inst.Title != "Cancelled practice" || !inst.Cancelled {
		t.Errorf("cancelled override = %+v", inst)
	}
	if inst := titles[utc(2025, 3, 12, 17, 0)]; inst.Title != "Moved practice" {
		t.Errorf("moved override = %+v", inst)
	}
	if inst := titles[t1.AddDate(0, 0, 21)]; inst.Title != "Team practice" {
		t.Errorf("regular occurrence = %+v", inst)
	}
	if _, ok := titles[t1.AddDate(0, 0, 14)]; ok {
		t.Errorf("excluded occurrence resurrected by override")
	}
}

func TestExpandDurationAndZeroLength(t *testing.T) {
	start := utc(2025, 3, 10, 18, 0)
	comps := map[string]Component{
		"duration": SingleEvent{UID: "duration", Title: "A", Start: start, Duration: 45 * time.Minute},
		"none":     SingleEvent{UID: "none", Title: "B", Start: start},
		"inverted": SingleEvent{UID: "inverted", Title: "C", Start: start, End: start.Add(-time.Hour)},
	}
	series := weeklySeries("series", start, "2")
	series.Template.End = time.Time{}
	comps["series"] = series

	res, err := Expand(comps, ExpandConfig{RangeStart: start, RangeEnd: start.AddDate(0, 0, 7)})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	for _, inst := range res.Instances {
		want := inst.Start
		if inst.UID == "duration" {
			want = start.Add(45 * time.Minute)
		}
		if !inst.End.Equal(want) {
			t.Errorf("%s: End = %v, want %v", inst.UID, inst.End, want)
		}
		if inst.Start.Location() != time.UTC || inst.End.Location() != time.UTC {
			t.Errorf("%s: instants not UTC", inst.UID)
		}
	}
}

func TestExpandAllDayAcrossDST(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2025, 3, 29, 0, 0, 0, 0, paris)
	series := RecurringEvent{
		Template: SingleEvent{
			UID: "camp", Title: "Camp", AllDay: true,
			Start: start, End: start.AddDate(0, 0, 1),
		},
		RRule:     "FREQ=DAILY;COUNT=2",
		Overrides: map[int64]SingleEvent{},
	}

	res, err := Expand(map[string]Component{"camp": series}, ExpandConfig{
		RangeStart: utc(2025, 3, 28, 0, 0),
		RangeEnd:   utc(2025, 4, 1, 0, 0),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Instances) != 2 {
		t.Fatalf("len(Instances) = %d, want 2", len(res.Instances))
	}
	for _, inst := range res.Instances {
		end := inst.End.In(paris)
		if end.Hour() != 0 || end.Minute() != 0 {
			t.Errorf("all-day end %v not at local midnight", end)
		}
		if !inst.AllDay {
			t.Errorf("AllDay lost")
		}
	}
}

func TestExpandCapAndInvalidRange(t *testing.T) {
	start := utc(2025, 1, 1, 8, 0)
	series := RecurringEvent{
		Template:  SingleEvent{UID: "daily", Title: "Run", Start: start},
		RRule:     "FREQ=DAILY",
		Overrides: map[int64]SingleEvent{},
	}

	res, err := Expand(map[string]Component{"daily": series}, ExpandConfig{
		RangeStart:             start,
		RangeEnd:               start.AddDate(1, 0, 0),
		MaxOccurrencesPerEvent: 10,
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Instances) != 10 {
		t.Errorf("len(Instances) = %d, want 10", len(res.Instances))
	}
	if len(res.TruncatedUIDs) != 1 || res.TruncatedUIDs[0] != "daily" {
		t.Errorf("TruncatedUIDs = %v", res.TruncatedUIDs)
	}

	if _, err := Expand(nil, ExpandConfig{RangeStart: start, RangeEnd: start.Add(-time.Hour)}); err == nil {
		t.Errorf("expected error for inverted range")
	}
}

func TestExpandBadRRuleFallsBackToSingle(t *testing.T) {
	start := utc(2025, 3, 10, 18, 0)
	series := RecurringEvent{
		Template:  SingleEvent{UID: "bad", Title: "Odd", Start: start},
		RRule:     "FREQ=SOMETIMES",
		Overrides: map[int64]SingleEvent{},
	}
	res, err := Expand(map[string]Component{"bad": series}, ExpandConfig{RangeStart: start, RangeEnd: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Instances) != 1 {
		t.Errorf("len(Instances) = %d, want 1", len(res.Instances))
	}
}

func TestExpandDeduplicates(t *testing.T) {
	start := utc(2025, 3, 10, 18, 0)
	series := weeklySeries("dup", start, "1")
	series.RDates = []time.Time{start}

	res, err := Expand(map[string]Component{"dup": series}, ExpandConfig{RangeStart: start, RangeEnd: start})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Instances) != 1 {
		t.Errorf("len(Instances) = %d, want 1", len(res.Instances))
	}
}
