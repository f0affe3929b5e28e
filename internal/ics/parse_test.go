package ics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"trainsync/internal/model"
)

func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestParseSingleEventDefaults(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:evt-1",
		"SUMMARY:Sprint training",
		"DTSTART:20250310T180000Z",
		"DTEND:20250310T193000Z",
		"END:VEVENT",
	)

	comps, err := Parse(body, time.UTC)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ev, ok := comps["evt-1"].(SingleEvent)
	if !ok {
		t.Fatalf("evt-1 = %T, want SingleEvent", comps["evt-1"])
	}
	if ev.Title != "Sprint training" {
		t.Errorf("Title = %q", ev.Title)
	}
	if ev.Status != model.StatusConfirmed {
		t.Errorf("Status = %q, want CONFIRMED", ev.Status)
	}
	if ev.Description != "" || ev.Location != "" {
		t.Errorf("Description/Location = %q/%q, want empty", ev.Description, ev.Location)
	}
	wantStart := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	if !ev.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", ev.Start, wantStart)
	}
	if got := ev.length(); got != 90*time.Minute {
		t.Errorf("length = %v, want 90m", got)
	}
}

func TestParseTimeZones(t *testing.T) {
	paris := mustLoc(t, "Europe/Paris")
	body := calendar(
		"BEGIN:VEVENT",
		"UID:tzid",
		"DTSTART;TZID=America/New_York:20250310T090000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:floating",
		"DTSTART:20250310T090000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:allday",
		"DTSTART;VALUE=DATE:20250310",
		"DTEND;VALUE=DATE:20250311",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:unknown-zone",
		"DTSTART;TZID=Mars/Olympus:20250310T090000",
		"END:VEVENT",
	)

	comps, err := Parse(body, paris)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		uid    string
		want   time.Time
		allDay bool
	}{
		{"tzid", time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC), false},
		{"floating", time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), false},
		{"allday", time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC), true},
		{"unknown-zone", time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.uid, func(t *testing.T) {
			ev, ok := comps[tt.uid].(SingleEvent)
			if !ok {
				t.Fatalf("%s = %T, want SingleEvent", tt.uid, comps[tt.uid])
			}
			if !ev.Start.Equal(tt.want) {
				t.Errorf("Start = %v, want %v", ev.Start.UTC(), tt.want)
			}
			if ev.AllDay != tt.allDay {
				t.Errorf("AllDay = %v, want %v", ev.AllDay, tt.allDay)
			}
		})
	}
}

func TestParseDurationAndMissingUID(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"SUMMARY:Recovery",
		"DTSTART:20250310T180000Z",
		"DURATION:PT45M",
		"STATUS:cancelled",
		"END:VEVENT",
	)

	comps, err := Parse(body, time.UTC)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(comps) != 1 {
		t.Fatalf("len(comps) = %d, want 1", len(comps))
	}

	wantKey := fallbackUID("Recovery", time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC))
	ev, ok := comps[wantKey].(SingleEvent)
	if !ok {
		t.Fatalf("missing synthesized key %q in %v", wantKey, comps)
	}
	if !strings.HasPrefix(ev.UID, "gen-") {
		t.Errorf("UID = %q, want gen- prefix", ev.UID)
	}
	if ev.Duration != 45*time.Minute {
		t.Errorf("Duration = %v, want 45m", ev.Duration)
	}
	if ev.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", ev.Status)
	}

	// Same input, same key.
	again, _ := Parse(body, time.UTC)
	if _, ok := again[wantKey]; !ok {
		t.Errorf("synthesized key not stable across parses")
	}
}

func TestParseRecurringWithExceptionsAndOverrides(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:weekly",
		"SUMMARY:Team practice",
		"DTSTART;TZID=Europe/Paris:20250303T180000",
		"DTEND;TZID=Europe/Paris:20250303T193000",
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"EXDATE;TZID=Europe/Paris:20250310T180000,20250317T180000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:weekly",
		"RECURRENCE-ID;TZID=Europe/Paris:20250324T180000",
		"SUMMARY:Practice moved",
		"DTSTART;TZID=Europe/Paris:20250325T180000",
		"DTEND;TZID=Europe/Paris:20250325T193000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:orphan",
		"RECURRENCE-ID:20250401T160000Z",
		"SUMMARY:Lone override",
		"DTSTART:20250401T170000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:no-start",
		"SUMMARY:Broken",
		"END:VEVENT",
	)

	comps, err := Parse(body, mustLoc(t, "Europe/Paris"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	series, ok := comps["weekly"].(RecurringEvent)
	if !ok {
		t.Fatalf("weekly = %T, want RecurringEvent", comps["weekly"])
	}
	if series.RRule != "FREQ=WEEKLY;COUNT=4" {
		t.Errorf("RRule = %q", series.RRule)
	}
	if len(series.ExceptionDates) != 2 {
		t.Errorf("ExceptionDates = %v, want 2 entries", series.ExceptionDates)
	}
	rid := time.Date(2025, 3, 24, 17, 0, 0, 0, time.UTC)
	ov, ok := series.Overrides[rid.Unix()]
	if !ok {
		t.Fatalf("override for %v missing; have %v", rid, series.Overrides)
	}
	if ov.Title != "Practice moved" {
		t.Errorf("override Title = %q", ov.Title)
	}

	var orphan SingleEvent
	found := false
	for _, c := range comps {
		if ev, ok := c.(SingleEvent); ok && ev.UID == "orphan" {
			orphan, found = ev, true
		}
	}
	if !found || orphan.Title != "Lone override" {
		t.Errorf("orphan override not kept as single event: %+v", orphan)
	}

	for _, c := range comps {
		if c.Key() == "no-start" {
			t.Errorf("VEVENT without DTSTART should be skipped")
		}
	}
}

func TestParseDateOnlyExdateOnTimedSeries(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:daily",
		"DTSTART:20250303T170000Z",
		"RRULE:FREQ=DAILY;COUNT=3",
		"EXDATE;VALUE=DATE:20250304",
		"END:VEVENT",
	)

	comps, err := Parse(body, time.UTC)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	series := comps["daily"].(RecurringEvent)
	want := time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)
	if len(series.ExceptionDates) != 1 || !series.ExceptionDates[0].Equal(want) {
		t.Errorf("ExceptionDates = %v, want [%v]", series.ExceptionDates, want)
	}
}

func TestParseEmptyBody(t *testing.T) {
	_, err := Parse([]byte("  \r\n"), time.UTC)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"PT90M", 90 * time.Minute, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"P1W", 7 * 24 * time.Hour, false},
		{"PT1H30M15S", time.Hour + 30*time.Minute + 15*time.Second, false},
		{"-PT15M", -15 * time.Minute, false},
		{"P", 0, true},
		{"PT", 0, true},
		{"90M", 0, true},
		{"P1H", 0, true},
		{"PT5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTextEscapesDecodedOnce(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:esc",
		`SUMMARY:Sprint\, hills\; cooldown`,
		`DESCRIPTION:a\\nb`,
		`LOCATION:Track\nGate 2`,
		"DTSTART:20250310T180000Z",
		"END:VEVENT",
	)

	comps, err := Parse(body, time.UTC)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ev := comps["esc"].(SingleEvent)

	tests := []struct {
		field, got, want string
	}{
		{"Title", ev.Title, "Sprint, hills; cooldown"},
		{"Description", ev.Description, `a\nb`},
		{"Location", ev.Location, "Track\nGate 2"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.field, tt.got, tt.want)
		}
	}
}
