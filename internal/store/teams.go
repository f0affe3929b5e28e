package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trainsync/internal/model"
)

const teamColumns = `id, name, ics_url, timezone, display_tz, last_sync_at, last_sync_error`

func scanTeam(sc rowScanner) (model.Team, error) {
	var (
		t        model.Team
		lastSync sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.ICSURL, &t.TimeZone, &t.DisplayTZ, &lastSync, &t.LastSyncError); err != nil {
		return t, err
	}
	if lastSync.Valid && lastSync.String != "" {
		at, err := parseTime(lastSync.String)
		if err != nil {
			return t, fmt.Errorf("team %s: %w", t.ID, err)
		}
		t.LastSyncAt = &at
	}
	return t, nil
}

// SeedTeam inserts or refreshes a team from configuration. A configured
// feed URL replaces the stored one; an empty one keeps a URL imported
// through the API.
func (s *Storage) SeedTeam(ctx context.Context, t model.Team) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, name, ics_url, timezone, display_tz, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			timezone = excluded.timezone,
			display_tz = excluded.display_tz,
			ics_url = CASE WHEN excluded.ics_url != '' THEN excluded.ics_url ELSE teams.ics_url END`,
		t.ID, t.Name, t.ICSURL, t.TimeZone, t.DisplayTZ, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("seed team %s: %w", t.ID, err)
	}
	return nil
}

// GetTeam returns the team, or nil if it does not exist.
func (s *Storage) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	t, err := scanTeam(s.db.QueryRowContext(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTeams returns all teams by id.
func (s *Storage) ListTeams(ctx context.Context) ([]model.Team, error) {
	return s.queryTeams(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY id`)
}

// ListTeamsWithFeed returns the teams that have a feed URL configured.
func (s *Storage) ListTeamsWithFeed(ctx context.Context) ([]model.Team, error) {
	return s.queryTeams(ctx, `SELECT `+teamColumns+` FROM teams WHERE ics_url != '' ORDER BY id`)
}

func (s *Storage) queryTeams(ctx context.Context, query string, args ...any) ([]model.Team, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// SetTeamFeedURL stores a new feed URL for an existing team.
func (s *Storage) SetTeamFeedURL(ctx context.Context, id, feedURL string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE teams SET ics_url = ? WHERE id = ?`, feedURL, id)
	if err != nil {
		return fmt.Errorf("set feed url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set feed url: team %s not found", id)
	}
	return nil
}

// RecordSync stores the outcome of the latest sync attempt. An empty
// errMsg clears a previous failure.
func (s *Storage) RecordSync(ctx context.Context, id string, at time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE teams SET last_sync_at = ?, last_sync_error = ? WHERE id = ?`,
		formatTime(at), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return nil
}
