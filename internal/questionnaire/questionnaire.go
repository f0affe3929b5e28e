// Package questionnaire decides when post-training questionnaires are open
// and notifies athletes once a training has ended.
package questionnaire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trainsync/internal/model"
)

// Status is the questionnaire state of one training for one athlete.
type Status string

const (
	StatusNotOpenYet Status = "not_open_yet"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusCompleted  Status = "completed"
)

// DefaultWindow is how long a questionnaire stays open after the training ends.
const DefaultWindow = 24 * time.Hour

var (
	ErrTrainingNotFound = errors.New("training not found")
	ErrNotOpen          = errors.New("questionnaire is not open")
)

// StatusAt returns the questionnaire state at now for a training ending at
// end. The window opens at end and closes window later, both inclusive.
func StatusAt(end, now time.Time, window time.Duration, completed bool) Status {
	switch {
	case completed:
		return StatusCompleted
	case now.Before(end):
		return StatusNotOpenYet
	case !now.After(end.Add(window)):
		return StatusOpen
	default:
		return StatusClosed
	}
}

// Window describes a training's questionnaire for one athlete.
type Window struct {
	TrainingID string    `json:"trainingId"`
	Status     Status    `json:"status"`
	OpensAt    time.Time `json:"opensAt"`
	ClosesAt   time.Time `json:"closesAt"`
}

// ResponseStore is what Service needs from persistence.
type ResponseStore interface {
	GetTraining(ctx context.Context, teamID, id string) (*model.Training, error)
	HasQuestionnaireResponse(ctx context.Context, trainingID, athleteID string) (bool, error)
	SaveQuestionnaireResponse(ctx context.Context, r model.QuestionnaireResponse) error
}

// Service answers window queries and records responses.
type Service struct {
	store  ResponseStore
	window time.Duration
	now    func() time.Time
}

func NewService(store ResponseStore, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{store: store, window: window, now: time.Now}
}

// Window returns the questionnaire state of a training for athleteID.
// Cancelled trainings are always closed.
func (s *Service) Window(ctx context.Context, teamID, trainingID, athleteID string) (Window, error) {
	tr, err := s.store.GetTraining(ctx, teamID, trainingID)
	if err != nil {
		return Window{}, fmt.Errorf("get training: %w", err)
	}
	if tr == nil {
		return Window{}, ErrTrainingNotFound
	}

	completed := false
	if athleteID != "" {
		if completed, err = s.store.HasQuestionnaireResponse(ctx, trainingID, athleteID); err != nil {
			return Window{}, fmt.Errorf("lookup response: %w", err)
		}
	}

	w := Window{
		TrainingID: tr.ID,
		Status:     StatusAt(tr.End, s.now(), s.window, completed),
		OpensAt:    tr.End,
		ClosesAt:   tr.End.Add(s.window),
	}
	if tr.Cancelled && w.Status != StatusCompleted {
		w.Status = StatusClosed
	}
	return w, nil
}

// Submit records athleteID's answers while the questionnaire is open. A
// second submission inside the window replaces the first.
func (s *Service) Submit(ctx context.Context, teamID, trainingID, athleteID string, answers json.RawMessage) error {
	if athleteID == "" {
		return fmt.Errorf("%w: athlete is required", ErrNotOpen)
	}
	w, err := s.Window(ctx, teamID, trainingID, "")
	if err != nil {
		return err
	}
	if w.Status != StatusOpen {
		return fmt.Errorf("%w: %s", ErrNotOpen, w.Status)
	}
	if len(answers) == 0 {
		answers = json.RawMessage(`{}`)
	}
	return s.store.SaveQuestionnaireResponse(ctx, model.QuestionnaireResponse{
		TrainingID:  trainingID,
		TeamID:      teamID,
		AthleteID:   athleteID,
		Answers:     string(answers),
		SubmittedAt: s.now().UTC(),
	})
}
