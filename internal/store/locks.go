package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock takes the per-team sync lock for owner unless another owner
// holds an unexpired one. It reports whether the lock was taken.
func (s *Storage) AcquireLock(ctx context.Context, teamID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_locks (team_id, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(team_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		 WHERE sync_locks.expires_at <= ?`,
		teamID, owner, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", teamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", teamID, err)
	}
	return n == 1, nil
}

// ReleaseLock drops the lock if owner still holds it.
func (s *Storage) ReleaseLock(ctx context.Context, teamID, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE team_id = ? AND owner = ?`, teamID, owner,
	); err != nil {
		return fmt.Errorf("release lock %s: %w", teamID, err)
	}
	return nil
}
