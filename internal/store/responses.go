package store

import (
	"context"
	"database/sql"
	"fmt"

	"trainsync/internal/model"
)

// SaveQuestionnaireResponse stores or replaces an athlete's answers.
func (s *Storage) SaveQuestionnaireResponse(ctx context.Context, r model.QuestionnaireResponse) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questionnaire_responses (training_id, athlete_id, team_id, answers, submitted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(training_id, athlete_id) DO UPDATE SET
			answers = excluded.answers,
			submitted_at = excluded.submitted_at`,
		r.TrainingID, r.AthleteID, r.TeamID, r.Answers, formatTime(r.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("save questionnaire response: %w", err)
	}
	return nil
}

// HasQuestionnaireResponse reports whether the athlete already answered.
func (s *Storage) HasQuestionnaireResponse(ctx context.Context, trainingID, athleteID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM questionnaire_responses WHERE training_id = ? AND athlete_id = ?`,
		trainingID, athleteID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
