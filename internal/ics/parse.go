package ics

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "trainsync/internal/log"
	"trainsync/internal/model"
)

const (
	propStatus       = "STATUS"
	propDuration     = "DURATION"
	propRDate        = "RDATE"
	propRecurrenceID = "RECURRENCE-ID"
)

// parsedVEvent is one VEVENT before series assembly.
type parsedVEvent struct {
	event        SingleEvent
	rrule        string
	rdates       []time.Time
	exdates      []time.Time
	recurrenceID *time.Time
}

// Parse converts raw iCalendar text into calendar components keyed by UID.
//
//   - Floating times and all-day dates are read in defaultLoc (the team's
//     zone); TZID parameters win when the zone is known.
//   - VEVENTs carrying RECURRENCE-ID are attached to their series as
//     overrides; without a series they are kept as single events.
//   - A VEVENT that cannot be read (e.g. no DTSTART) is logged and skipped.
//     Only a document the tokenizer rejects fails the whole parse.
func Parse(body []byte, defaultLoc *time.Location) (map[string]Component, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Err: errors.New("empty calendar body")}
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	out := make(map[string]Component)
	var overrides []parsedVEvent
	skipped := 0

	for _, ve := range cal.Events() {
		pv, perr := parseVEvent(ve, defaultLoc)
		if perr != nil {
			skipped++
			appLog.Warn("ics vevent skipped", "reason", perr.Error())
			continue
		}
		if pv.recurrenceID != nil {
			overrides = append(overrides, pv)
			continue
		}

		key := pv.event.UID
		if prev, ok := out[key]; ok && sequenceOf(prev) > pv.event.Sequence {
			continue
		}
		if pv.rrule != "" {
			out[key] = RecurringEvent{
				Template:       pv.event,
				RRule:          pv.rrule,
				RDates:         pv.rdates,
				ExceptionDates: pv.exdates,
				Overrides:      make(map[int64]SingleEvent),
			}
		} else {
			out[key] = pv.event
		}
	}

	for _, ov := range overrides {
		rid := *ov.recurrenceID
		switch master := out[ov.event.UID].(type) {
		case RecurringEvent:
			if prev, ok := master.Overrides[rid.Unix()]; ok && prev.Sequence > ov.event.Sequence {
				continue
			}
			master.Overrides[rid.Unix()] = ov.event
		case SingleEvent:
			if master.Start.Equal(rid) {
				out[ov.event.UID] = ov.event
				continue
			}
			out[overrideKey(ov.event.UID, rid)] = ov.event
		default:
			out[overrideKey(ov.event.UID, rid)] = ov.event
		}
	}

	appLog.Debug("ics parse completed", "components", len(out), "overrides", len(overrides), "skipped", skipped)
	return out, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (parsedVEvent, error) {
	var out parsedVEvent
	ev := &out.event

	ev.Title = textProp(ve, ical.ComponentPropertySummary)
	ev.Description = textProp(ve, ical.ComponentPropertyDescription)
	ev.Location = textProp(ve, ical.ComponentPropertyLocation)

	ev.Status = strings.ToUpper(textProp(ve, propStatus))
	if ev.Status == "" {
		ev.Status = model.StatusConfirmed
	}

	// SEQUENCE (optional, used to pick the newest of duplicated VEVENTs)
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.Sequence = n
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("vevent %q: missing DTSTART", ev.Title)
	}
	start, allDay, err := parseTimeValue(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("vevent %q: DTSTART: %w", ev.Title, err)
	}
	ev.Start = start
	ev.AllDay = allDay

	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		if end, _, err := parseTimeValue(p.Value, p.ICalParameters, loc); err == nil {
			ev.End = end
		} else {
			appLog.Debug("ics DTEND ignored", "title", ev.Title, "value", p.Value, "err", err)
		}
	} else if p := ve.GetProperty(propDuration); p != nil {
		if d, err := parseDuration(p.Value); err == nil && d > 0 {
			ev.Duration = d
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.UID = strings.TrimSpace(p.Value)
	}
	if ev.UID == "" {
		ev.UID = fallbackUID(ev.Title, ev.Start)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rrule = strings.TrimSpace(p.Value)
	}

	// EXDATE and RDATE can both appear multiple times with comma lists.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		out.exdates = append(out.exdates, parseDateList(p, *ev, loc)...)
	}
	for _, p := range ve.GetProperties(propRDate) {
		out.rdates = append(out.rdates, parseDateList(p, *ev, loc)...)
	}

	if p := ve.GetProperty(propRecurrenceID); p != nil {
		t, dateOnly, err := parseTimeValue(p.Value, p.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("vevent %q: RECURRENCE-ID: %w", ev.Title, err)
		}
		if dateOnly && !ev.AllDay {
			t = atClockOf(t, ev.Start)
		}
		out.recurrenceID = &t
	}

	return out, nil
}

// parseDateList reads an EXDATE/RDATE property. Date-only entries on a
// timed series are moved to the series' time of day so they match the
// generated occurrences.
func parseDateList(p *ical.IANAProperty, ev SingleEvent, loc *time.Location) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if i := strings.IndexByte(part, '/'); i != -1 {
			// PERIOD value: keep the start.
			part = part[:i]
		}
		if part == "" {
			continue
		}
		t, dateOnly, err := parseTimeValue(part, p.ICalParameters, loc)
		if err != nil {
			appLog.Debug("ics date list entry ignored", "uid", ev.UID, "value", part, "err", err)
			continue
		}
		if dateOnly && !ev.AllDay {
			t = atClockOf(t, ev.Start)
		}
		out = append(out, t)
	}
	return out
}

// parseTimeValue parses an ICS DATE or DATE-TIME value.
//
//   - 20250101T090000Z          -> UTC
//   - TZID=Europe/Paris:...T... -> that zone (unknown zone -> loc)
//   - 20250101T090000           -> floating, read in loc
//   - 20250101 / VALUE=DATE     -> all-day, midnight in loc
//
// A value flagged as DATE that does not parse as one is retried as a
// DATE-TIME so ambiguous input degrades to a timed event.
func parseTimeValue(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	zone := loc
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		name := strings.Trim(tzs[0], `"`)
		if l, err := time.LoadLocation(name); err == nil {
			zone = l
		} else {
			appLog.Debug("ics unknown TZID; using team zone", "tzid", name, "zone", loc.String())
		}
	}

	isDate := !strings.Contains(v, "T")
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	if isDate {
		if t, err := time.ParseInLocation("20060102", v, zone); err == nil {
			return t, true, nil
		}
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}
	t, err := time.ParseInLocation("20060102T150405", v, zone)
	return t, false, err
}

// parseDuration parses an RFC 5545 duration such as P1W, P1DT2H, PT90M or -PT15M.
func parseDuration(s string) (time.Duration, error) {
	orig := s
	s = strings.ToUpper(strings.TrimSpace(s))
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("duration %q: missing P", orig)
	}

	var (
		total  time.Duration
		num    string
		inTime bool
		seen   bool
	)
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("duration %q: misplaced T", orig)
			}
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("duration %q: missing number before %c", orig, r)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", orig, err)
			}
			num = ""

			var unit time.Duration
			switch {
			case r == 'W' && !inTime:
				unit = 7 * 24 * time.Hour
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("duration %q: unexpected %c", orig, r)
			}
			total += time.Duration(n) * unit
			seen = true
		}
	}
	if num != "" || !seen {
		return 0, fmt.Errorf("duration %q: incomplete", orig)
	}
	if neg {
		total = -total
	}
	return total, nil
}

// textProp returns a trimmed TEXT value. The tokenizer has already
// decoded escapes.
func textProp(ve *ical.VEvent, prop ical.ComponentProperty) string {
	p := ve.GetProperty(prop)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// fallbackUID synthesizes a stable key for VEVENTs without UID.
func fallbackUID(title string, start time.Time) string {
	sum := sha256.Sum256([]byte(title + "|" + start.UTC().Format(time.RFC3339)))
	return "gen-" + hex.EncodeToString(sum[:8])
}

func overrideKey(uid string, rid time.Time) string {
	return uid + "#" + rid.UTC().Format("20060102T150405Z")
}

// atClockOf returns day's date at ref's wall-clock time in ref's zone.
func atClockOf(day, ref time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), ref.Hour(), ref.Minute(), ref.Second(), 0, ref.Location())
}

func sequenceOf(c Component) int {
	switch v := c.(type) {
	case SingleEvent:
		return v.Sequence
	case RecurringEvent:
		return v.Template.Sequence
	}
	return 0
}
