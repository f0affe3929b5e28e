package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trainsync/internal/model"
	"trainsync/internal/reconcile"
)

const trainingColumns = `id, team_id, uid, title, description, location, status, cancelled, all_day,
	start_at, end_at, timezone, display_tz, source, hash, last_seen_at, updated_at, created_at,
	questionnaire_notified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTraining(sc rowScanner) (model.Training, error) {
	var (
		t                                     model.Training
		cancelled, allDay, notified           int
		start, end, lastSeen, updated, create string
	)
	err := sc.Scan(
		&t.ID, &t.TeamID, &t.UID, &t.Title, &t.Description, &t.Location, &t.Status,
		&cancelled, &allDay, &start, &end, &t.TimeZone, &t.DisplayTZ, &t.Source, &t.Hash,
		&lastSeen, &updated, &create, &notified,
	)
	if err != nil {
		return t, err
	}
	t.Cancelled = cancelled != 0
	t.AllDay = allDay != 0
	t.QuestionnaireNotified = notified != 0

	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&t.Start, start}, {&t.End, end}, {&t.LastSeenAt, lastSeen},
		{&t.UpdatedAt, updated}, {&t.CreatedAt, create},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return t, fmt.Errorf("training %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func (s *Storage) queryTrainings(ctx context.Context, query string, args ...any) ([]model.Training, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Training
	for rows.Next() {
		t, err := scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LookupTrainings returns the team's stored trainings among ids.
func (s *Storage) LookupTrainings(ctx context.Context, teamID string, ids []string) (map[string]model.Training, error) {
	out := make(map[string]model.Training, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		chunk := ids[start:min(start+lookupChunk, len(ids))]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, teamID)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.queryTrainings(ctx,
			`SELECT `+trainingColumns+` FROM trainings WHERE team_id = ? AND id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("lookup trainings: %w", err)
		}
		for _, t := range rows {
			out[t.ID] = t
		}
	}
	return out, nil
}

// CommitBatch applies one batch of reconcile writes in a single
// transaction. Updates never overwrite created_at or the questionnaire flag.
func (s *Storage) CommitBatch(ctx context.Context, teamID string, writes []reconcile.Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `INSERT INTO trainings (`+trainingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uid = excluded.uid,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			status = excluded.status,
			cancelled = excluded.cancelled,
			all_day = excluded.all_day,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			timezone = excluded.timezone,
			display_tz = excluded.display_tz,
			source = excluded.source,
			hash = excluded.hash,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	touch, err := tx.PrepareContext(ctx, `UPDATE trainings SET last_seen_at = ? WHERE id = ? AND team_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare touch: %w", err)
	}
	defer touch.Close()

	for _, w := range writes {
		t := w.Training
		switch w.Kind {
		case reconcile.OpTouch:
			if _, err := touch.ExecContext(ctx, formatTime(t.LastSeenAt), t.ID, teamID); err != nil {
				return fmt.Errorf("touch %s: %w", t.ID, err)
			}
		case reconcile.OpCreate, reconcile.OpUpdate:
			created := t.CreatedAt
			if created.IsZero() {
				created = t.UpdatedAt
			}
			_, err := upsert.ExecContext(ctx,
				t.ID, teamID, t.UID, t.Title, t.Description, t.Location, t.Status,
				boolInt(t.Cancelled), boolInt(t.AllDay),
				formatTime(t.Start), formatTime(t.End), t.TimeZone, t.DisplayTZ, t.Source, t.Hash,
				formatTime(t.LastSeenAt), formatTime(t.UpdatedAt), formatTime(created),
				boolInt(t.QuestionnaireNotified),
			)
			if err != nil {
				return fmt.Errorf("%s %s: %w", w.Kind, t.ID, err)
			}
		default:
			return fmt.Errorf("unknown write kind %v", w.Kind)
		}
	}

	return tx.Commit()
}

// StaleTrainings lists pipeline rows of the team starting in [from, to],
// not cancelled, last seen before seenBefore.
func (s *Storage) StaleTrainings(ctx context.Context, teamID string, from, to, seenBefore time.Time) ([]model.Training, error) {
	return s.queryTrainings(ctx,
		`SELECT `+trainingColumns+` FROM trainings
		 WHERE team_id = ? AND source = ? AND cancelled = 0
		   AND start_at >= ? AND start_at <= ? AND last_seen_at < ?`,
		teamID, model.SourceICS, formatTime(from), formatTime(to), formatTime(seenBefore),
	)
}

// ListTrainings returns the team's trainings starting in [from, to], by start.
func (s *Storage) ListTrainings(ctx context.Context, teamID string, from, to time.Time) ([]model.Training, error) {
	return s.queryTrainings(ctx,
		`SELECT `+trainingColumns+` FROM trainings
		 WHERE team_id = ? AND start_at >= ? AND start_at <= ?
		 ORDER BY start_at, id`,
		teamID, formatTime(from), formatTime(to),
	)
}

// GetTraining returns one training, or nil if it does not exist.
func (s *Storage) GetTraining(ctx context.Context, teamID, id string) (*model.Training, error) {
	t, err := scanTraining(s.db.QueryRowContext(ctx,
		`SELECT `+trainingColumns+` FROM trainings WHERE team_id = ? AND id = ?`,
		teamID, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DueQuestionnaires lists non-cancelled trainings that ended in
// (endedAfter, endedBefore] and were not notified yet.
func (s *Storage) DueQuestionnaires(ctx context.Context, endedAfter, endedBefore time.Time) ([]model.Training, error) {
	return s.queryTrainings(ctx,
		`SELECT `+trainingColumns+` FROM trainings
		 WHERE cancelled = 0 AND questionnaire_notified = 0
		   AND end_at > ? AND end_at <= ?
		 ORDER BY end_at, id`,
		formatTime(endedAfter), formatTime(endedBefore),
	)
}

// MarkQuestionnaireNotified sets the questionnaire flag on the given trainings.
func (s *Storage) MarkQuestionnaireNotified(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += lookupChunk {
		chunk := ids[start:min(start+lookupChunk, len(ids))]
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE trainings SET questionnaire_notified = 1 WHERE id IN (`+placeholders(len(chunk))+`)`,
			args...,
		); err != nil {
			return fmt.Errorf("mark notified: %w", err)
		}
	}
	return nil
}
