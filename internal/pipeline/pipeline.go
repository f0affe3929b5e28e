// Package pipeline runs fetch, parse, expand and reconcile for one team
// and sweeps all teams with a calendar feed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"trainsync/internal/config"
	"trainsync/internal/ics"
	appLog "trainsync/internal/log"
	"trainsync/internal/model"
	"trainsync/internal/reconcile"
)

// NoFeedNote is returned in SyncResult.Note for teams without a feed.
const NoFeedNote = "no calendar feed configured"

var teamIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// TeamStore is the team registry and lock table used by the service.
type TeamStore interface {
	GetTeam(ctx context.Context, id string) (*model.Team, error)
	ListTeamsWithFeed(ctx context.Context) ([]model.Team, error)
	SetTeamFeedURL(ctx context.Context, id, feedURL string) error
	RecordSync(ctx context.Context, id string, at time.Time, errMsg string) error
	AcquireLock(ctx context.Context, teamID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, teamID, owner string) error
}

// Fetcher retrieves raw calendar text.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Options tunes a Service.
type Options struct {
	// Timeout bounds one team's run and is also the lock TTL.
	Timeout time.Duration
	// WindowPast / WindowFuture place the expansion window around now.
	WindowPast   time.Duration
	WindowFuture time.Duration

	MaxOccurrencesPerEvent int
	// KeepStale disables cancelling rows that vanished from the feed.
	KeepStale bool

	// Credentials returns CalDAV credentials for a team, if any.
	Credentials func(teamID string) (username, password string)

	Now func() time.Time
}

// OptionsFromConfig maps the application config onto pipeline options.
func OptionsFromConfig(cfg *config.Config) Options {
	creds := make(map[string]config.CalDAVConfig)
	for _, t := range cfg.Teams {
		if t.CalDAV != nil {
			creds[t.ID] = *t.CalDAV
		}
	}
	return Options{
		Timeout:                cfg.SyncTimeout(),
		WindowPast:             time.Duration(cfg.WindowPastDays) * 24 * time.Hour,
		WindowFuture:           time.Duration(cfg.WindowFutureDays) * 24 * time.Hour,
		MaxOccurrencesPerEvent: cfg.MaxOccurrencesPerEvent,
		KeepStale:              cfg.KeepStale,
		Credentials: func(teamID string) (string, string) {
			c := creds[teamID]
			return c.Username, c.Password
		},
	}
}

// Request asks for one team to be synced. A non-empty ICSURL is validated
// and stored as the team's feed first ("import calendar").
type Request struct {
	TeamID string `json:"teamId"`
	ICSURL string `json:"icsUrl,omitempty"`
}

// Service orchestrates per-team sync runs.
type Service struct {
	teams      TeamStore
	fetcher    Fetcher
	reconciler *reconcile.Reconciler
	opts       Options
}

// New creates a Service. Zero options fall back to 5 minutes timeout and a
// [-7d, +120d] window.
func New(teams TeamStore, fetcher Fetcher, rec *reconcile.Reconciler, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.WindowPast <= 0 {
		opts.WindowPast = 7 * 24 * time.Hour
	}
	if opts.WindowFuture <= 0 {
		opts.WindowFuture = 120 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{teams: teams, fetcher: fetcher, reconciler: rec, opts: opts}
}

// SyncTeam runs the whole pipeline for one team under the configured
// timeout while holding the team's sync lock.
func (s *Service) SyncTeam(ctx context.Context, req Request) (model.SyncResult, error) {
	teamID := strings.TrimSpace(req.TeamID)
	if teamID == "" {
		return model.SyncResult{}, &ValidationError{Field: "teamId", Reason: "required"}
	}
	if !teamIDPattern.MatchString(teamID) {
		return model.SyncResult{}, &ValidationError{Field: "teamId", Reason: "malformed"}
	}

	var feedURL string
	if raw := strings.TrimSpace(req.ICSURL); raw != "" {
		u, err := ics.NormalizeFeedURL(raw)
		if err != nil {
			return model.SyncResult{}, &ValidationError{Field: "icsUrl", Reason: err.Error(), Err: err}
		}
		feedURL = u
	}

	team, err := s.teams.GetTeam(ctx, teamID)
	if err != nil {
		return model.SyncResult{}, &reconcile.PersistenceError{Op: "get team", TeamID: teamID, Err: err}
	}
	if team == nil {
		return model.SyncResult{}, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}

	if feedURL != "" && feedURL != team.ICSURL {
		if err := s.teams.SetTeamFeedURL(ctx, teamID, feedURL); err != nil {
			return model.SyncResult{}, &reconcile.PersistenceError{Op: "set feed url", TeamID: teamID, Err: err}
		}
		appLog.Info("team calendar imported", "team", teamID, "url", ics.RedactURL(feedURL))
		team.ICSURL = feedURL
	}

	if team.ICSURL == "" {
		return model.SyncResult{Note: NoFeedNote}, nil
	}

	owner := uuid.NewString()
	ok, err := s.teams.AcquireLock(ctx, teamID, owner, s.opts.Timeout)
	if err != nil {
		return model.SyncResult{}, &reconcile.PersistenceError{Op: "acquire lock", TeamID: teamID, Err: err}
	}
	if !ok {
		return model.SyncResult{}, fmt.Errorf("%w: %s", ErrSyncInProgress, teamID)
	}
	// Bookkeeping must survive the caller's cancellation.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := s.teams.ReleaseLock(bg, teamID, owner); err != nil {
			appLog.Error("release sync lock failed", err, "team", teamID)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	started := time.Now()
	result, err := s.run(runCtx, *team)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if rerr := s.teams.RecordSync(bg, teamID, s.opts.Now(), errMsg); rerr != nil {
		appLog.Error("record sync outcome failed", rerr, "team", teamID)
	}

	if err != nil {
		appLog.Error("team sync failed", err, "team", teamID, "kind", ErrorKind(err), "elapsed", time.Since(started).Round(time.Millisecond))
		return model.SyncResult{}, fmt.Errorf("sync team %s: %w", teamID, err)
	}

	appLog.Info("team sync completed",
		"team", teamID,
		"seen", result.Seen,
		"created", result.Created,
		"updated", result.Updated,
		"cancelled", result.Cancelled,
		"stale", result.Stale,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return result, nil
}

// run is fetch -> parse -> expand -> reconcile (-> reap) for one team.
func (s *Service) run(ctx context.Context, team model.Team) (model.SyncResult, error) {
	runStart := time.Now()
	loc := teamLocation(team)
	now := s.opts.Now()
	from := now.Add(-s.opts.WindowPast)
	to := now.Add(s.opts.WindowFuture)

	src := ics.Source{ID: team.ID, URL: team.ICSURL, From: from, To: to}
	if s.opts.Credentials != nil {
		src.Username, src.Password = s.opts.Credentials(team.ID)
	}

	fetched, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		return model.SyncResult{}, err
	}

	comps, err := ics.Parse(fetched.Body, loc)
	if err != nil {
		return model.SyncResult{}, err
	}

	expanded, err := ics.Expand(comps, ics.ExpandConfig{
		RangeStart:             from,
		RangeEnd:               to,
		MaxOccurrencesPerEvent: s.opts.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return model.SyncResult{}, err
	}
	appLog.Debug("team feed expanded", "team", team.ID, "components", len(comps), "instances", len(expanded.Instances), "truncated", len(expanded.TruncatedUIDs))

	result, err := s.reconciler.Reconcile(ctx, team.ID, expanded.Instances, reconcile.Meta{
		TimeZone:  loc.String(),
		DisplayTZ: displayTZ(team, loc),
	})
	if err != nil {
		return model.SyncResult{}, err
	}

	if !s.opts.KeepStale {
		n, err := s.reconciler.ReapStale(ctx, team.ID, from, to, runStart)
		if err != nil {
			return model.SyncResult{}, err
		}
		result.Stale = n
	}

	return result, nil
}

func teamLocation(team model.Team) *time.Location {
	name := team.TimeZone
	if name == "" {
		name = model.DefaultTimeZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Warn("unknown team timezone; using default", "team", team.ID, "timezone", name)
		if loc, err = time.LoadLocation(model.DefaultTimeZone); err != nil {
			return time.UTC
		}
	}
	return loc
}

func displayTZ(team model.Team, loc *time.Location) string {
	if team.DisplayTZ != "" {
		return team.DisplayTZ
	}
	return loc.String()
}

// TeamOutcome is one team's line in a sweep summary.
type TeamOutcome struct {
	TeamID string            `json:"teamId"`
	Result *model.SyncResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Kind   string            `json:"kind,omitempty"`
}

// SweepSummary aggregates a sweep. Total only counts successful teams.
type SweepSummary struct {
	Teams     int              `json:"teams"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Total     model.SyncResult `json:"total"`
	Outcomes  []TeamOutcome    `json:"outcomes"`
}

// Sweep syncs every team with a feed, one after the other. A team's
// failure is logged and recorded and never stops the sweep.
func (s *Service) Sweep(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary

	teams, err := s.teams.ListTeamsWithFeed(ctx)
	if err != nil {
		return summary, &reconcile.PersistenceError{Op: "list teams", Err: err}
	}
	summary.Teams = len(teams)
	appLog.Info("sweep start", "teams", len(teams))

	for _, team := range teams {
		if err := ctx.Err(); err != nil {
			appLog.Warn("sweep interrupted", "remaining", summary.Teams-summary.Succeeded-summary.Failed)
			return summary, err
		}

		res, err := s.SyncTeam(ctx, Request{TeamID: team.ID})
		if err != nil {
			summary.Failed++
			summary.Outcomes = append(summary.Outcomes, TeamOutcome{TeamID: team.ID, Error: err.Error(), Kind: ErrorKind(err)})
			continue
		}
		summary.Succeeded++
		summary.Total.Add(res)
		summary.Outcomes = append(summary.Outcomes, TeamOutcome{TeamID: team.ID, Result: &res})
	}

	appLog.Info("sweep completed",
		"teams", summary.Teams,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"created", summary.Total.Created,
		"updated", summary.Total.Updated,
		"cancelled", summary.Total.Cancelled,
	)
	return summary, nil
}
