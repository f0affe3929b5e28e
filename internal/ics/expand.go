package ics

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "trainsync/internal/log"
	"trainsync/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000

	// DefaultTitle replaces empty and placeholder titles.
	DefaultTitle = "Training"
)

// placeholderTitles are free/busy labels exported by calendars that hide
// event details.
var placeholderTitles = map[string]bool{
	"busy":     true,
	"occupied": true,
	"blocked":  true,
	"occupé":   true,
	"occupe":   true,
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid extremely large
	// expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded instances and optionally
// information about truncation.
type ExpandResult struct {
	Instances []model.EventInstance
	// TruncatedUIDs records series that hit the MaxOccurrencesPerEvent cap.
	TruncatedUIDs []string
}

// Expand turns parsed components into concrete instances whose start lies
// in [RangeStart, RangeEnd]. It handles:
//
//   - Single events (kept iff their start is inside the window)
//   - RRULE and RDATE occurrences, minus EXDATE
//   - RECURRENCE-ID overrides, including ones moved into the window
//   - All-day semantics and placeholder titles
//
// All instants in the result are UTC. Instances are unique on (uid, start).
func Expand(components map[string]Component, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool)
	emit := func(inst model.EventInstance) {
		k := inst.UID + "|" + inst.Start.Format(time.RFC3339)
		if seen[k] {
			return
		}
		seen[k] = true
		result.Instances = append(result.Instances, inst)
	}

	for _, key := range keys {
		switch c := components[key].(type) {
		case SingleEvent:
			if inWindow(c.Start, cfg) {
				emit(makeInstance(c, c.Start))
			}
		case RecurringEvent:
			if expandSeries(c, cfg, emit) {
				result.TruncatedUIDs = append(result.TruncatedUIDs, c.Key())
				appLog.Warn("expand: truncated occurrences for UID due to cap",
					"uid", c.Key(),
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
		}
	}

	return result, nil
}

// expandSeries emits the occurrences of one series and reports whether the
// cap was hit.
func expandSeries(ev RecurringEvent, cfg ExpandConfig, emit func(model.EventInstance)) bool {
	tpl := ev.Template

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		// Keep the first occurrence rather than losing the entry.
		appLog.Error("expand: failed to parse RRULE", err, "uid", tpl.UID, "rrule", ev.RRule)
		if inWindow(tpl.Start, cfg) && !ev.isExcluded(tpl.Start) {
			emit(makeInstance(tpl, tpl.Start))
		}
		return false
	}

	loc := tpl.Start.Location()
	r.DTStart(tpl.Start)

	set := &rrule.Set{}
	set.RRule(r)
	for _, d := range ev.RDates {
		set.RDate(d.In(loc))
	}
	for _, ex := range ev.ExceptionDates {
		set.ExDate(ex.In(loc))
	}

	occTimes := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	used := make(map[int64]bool, len(ev.Overrides))
	for _, occStart := range occTimes {
		if ev.isExcluded(occStart) {
			continue
		}
		if ov, ok := ev.Overrides[occStart.Unix()]; ok {
			used[occStart.Unix()] = true
			if inWindow(ov.Start, cfg) {
				emit(makeInstance(ov, ov.Start))
			}
			continue
		}
		emit(makeInstance(tpl, occStart))
	}

	// Overrides moved into the window from an occurrence outside it.
	for rid, ov := range ev.Overrides {
		if used[rid] || ev.isExcluded(time.Unix(rid, 0)) {
			continue
		}
		if inWindow(ov.Start, cfg) {
			emit(makeInstance(ov, ov.Start))
		}
	}

	return hitCap
}

// makeInstance builds the instance of ev occurring at start.
func makeInstance(ev SingleEvent, start time.Time) model.EventInstance {
	end := occurrenceEnd(ev, start)
	if end.Before(start) {
		end = start
	}
	status := strings.ToUpper(ev.Status)
	if status == "" {
		status = model.StatusConfirmed
	}
	return model.EventInstance{
		UID:         ev.UID,
		Title:       NormalizeTitle(ev.Title, ev.Description),
		Description: ev.Description,
		Location:    ev.Location,
		Status:      status,
		Cancelled:   status == model.StatusCancelled,
		AllDay:      ev.AllDay,
		Start:       start.UTC(),
		End:         end.UTC(),
	}
}

// occurrenceEnd keeps the template's length. All-day entries keep their
// length in calendar days so DST changes do not shift the end off midnight.
func occurrenceEnd(ev SingleEvent, start time.Time) time.Time {
	if ev.AllDay && !ev.End.IsZero() {
		if days := calendarDays(ev.Start, ev.End); days > 0 {
			return start.AddDate(0, 0, days)
		}
	}
	return start.Add(ev.length())
}

func calendarDays(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func inWindow(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && !t.After(cfg.RangeEnd)
}

// NormalizeTitle replaces free/busy placeholders with the description and
// falls back to DefaultTitle.
func NormalizeTitle(title, description string) string {
	t := strings.TrimSpace(title)
	if placeholderTitles[strings.ToLower(t)] {
		if d := strings.TrimSpace(description); d != "" {
			return d
		}
		return DefaultTitle
	}
	if t == "" {
		return DefaultTitle
	}
	return t
}
