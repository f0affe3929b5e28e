package ics

import "time"

// Component is a parsed calendar entry before expansion. It is implemented
// only by SingleEvent and RecurringEvent.
type Component interface {
	// Key returns the calendar UID, or the synthesized key for entries
	// without one.
	Key() string
	isComponent()
}

// SingleEvent is one VEVENT without a recurrence rule, also used as the
// template of a series and for RECURRENCE-ID overrides.
type SingleEvent struct {
	UID string

	Title       string
	Description string
	Location    string
	Status      string
	Sequence    int

	// Start keeps the zone the feed declared so recurrence math follows
	// local wall-clock time across DST changes.
	Start time.Time
	// End is zero when the VEVENT has neither DTEND nor a usable DURATION end.
	End time.Time
	// Duration is the declared DURATION when DTEND is absent.
	Duration time.Duration
	AllDay   bool
}

func (e SingleEvent) Key() string { return e.UID }
func (SingleEvent) isComponent()  {}

// length returns the occurrence length derived from DTEND or DURATION.
func (e SingleEvent) length() time.Duration {
	switch {
	case !e.End.IsZero() && e.End.After(e.Start):
		return e.End.Sub(e.Start)
	case e.Duration > 0:
		return e.Duration
	default:
		return 0
	}
}

// RecurringEvent is a VEVENT with an RRULE plus everything that modifies
// the series.
type RecurringEvent struct {
	Template SingleEvent

	RRule string
	// RDates are extra occurrences outside the rule.
	RDates []time.Time
	// ExceptionDates are occurrence instants removed from the series.
	ExceptionDates []time.Time
	// Overrides replace single occurrences, keyed by the RECURRENCE-ID
	// instant in unix seconds.
	Overrides map[int64]SingleEvent
}

func (e RecurringEvent) Key() string { return e.Template.UID }
func (RecurringEvent) isComponent()  {}

func (e RecurringEvent) isExcluded(t time.Time) bool {
	for _, ex := range e.ExceptionDates {
		if ex.Equal(t) {
			return true
		}
	}
	return false
}
