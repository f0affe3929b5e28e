package model

import "time"

const (
	// SourceICS marks trainings written by the calendar sync pipeline.
	SourceICS = "ics"

	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"

	// DefaultTimeZone is used for teams without an explicit zone.
	DefaultTimeZone = "Europe/Paris"
)

// EventInstance is a single concrete occurrence of a calendar entry after
// recurrence expansion. Start and End are UTC instants with Start <= End.
type EventInstance struct {
	UID string

	Title       string
	Description string
	Location    string
	Status      string

	Cancelled bool
	AllDay    bool

	Start time.Time
	End   time.Time
}

// Training is the persisted form of an EventInstance for one team.
type Training struct {
	// ID is the deterministic instance id derived from (team, uid, start).
	ID     string
	TeamID string
	UID    string

	Title       string
	Description string
	Location    string
	Status      string

	Cancelled bool
	AllDay    bool

	Start time.Time
	End   time.Time

	TimeZone  string
	DisplayTZ string
	Source    string

	// Hash fingerprints the content fields; it never takes part in identity.
	Hash string

	LastSeenAt time.Time
	UpdatedAt  time.Time
	CreatedAt  time.Time

	QuestionnaireNotified bool
}

// Instance returns the content part of a persisted training.
func (t Training) Instance() EventInstance {
	return EventInstance{
		UID:         t.UID,
		Title:       t.Title,
		Description: t.Description,
		Location:    t.Location,
		Status:      t.Status,
		Cancelled:   t.Cancelled,
		AllDay:      t.AllDay,
		Start:       t.Start,
		End:         t.End,
	}
}

// Team is a team known to the sync service.
type Team struct {
	ID        string
	Name      string
	ICSURL    string
	TimeZone  string
	DisplayTZ string

	LastSyncAt    *time.Time
	LastSyncError string
}

// SyncResult tallies one reconcile pass.
type SyncResult struct {
	Seen      int    `json:"seen"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Cancelled int    `json:"cancelled"`
	Stale     int    `json:"stale,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Add accumulates another tally into r. Notes are not merged.
func (r *SyncResult) Add(o SyncResult) {
	r.Seen += o.Seen
	r.Created += o.Created
	r.Updated += o.Updated
	r.Cancelled += o.Cancelled
	r.Stale += o.Stale
}

// QuestionnaireResponse is one athlete's answers for one training.
type QuestionnaireResponse struct {
	TrainingID  string    `json:"trainingId"`
	TeamID      string    `json:"teamId"`
	AthleteID   string    `json:"athleteId"`
	Answers     string    `json:"answers"`
	SubmittedAt time.Time `json:"submittedAt"`
}
