package pipeline

import (
	"context"
	"errors"
	"fmt"

	"trainsync/internal/ics"
	"trainsync/internal/reconcile"
)

var (
	// ErrTeamNotFound is returned for team ids missing from the registry.
	ErrTeamNotFound = errors.New("team not found")
	// ErrSyncInProgress is returned when another run holds the team's lock.
	ErrSyncInProgress = errors.New("sync already in progress for team")
)

// ValidationError rejects a request before any network or parse work.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Error kinds reported to API clients.
const (
	KindValidation  = "validation"
	KindNotFound    = "not_found"
	KindConflict    = "conflict"
	KindTimeout     = "timeout"
	KindFetch       = "fetch"
	KindInvalidFeed = "invalid_feed"
	KindParse       = "parse"
	KindPersistence = "persistence"
	KindInternal    = "internal"
)

// ErrorKind classifies a pipeline error. It returns "" for nil.
func ErrorKind(err error) string {
	var (
		ve *ValidationError
		fe *ics.FetchError
		ie *ics.InvalidFeedError
		pe *ics.ParseError
		se *reconcile.PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.Is(err, ErrTeamNotFound):
		return KindNotFound
	case errors.Is(err, ErrSyncInProgress):
		return KindConflict
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &fe):
		return KindFetch
	case errors.As(err, &ie):
		return KindInvalidFeed
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &se):
		return KindPersistence
	default:
		return KindInternal
	}
}
