package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"trainsync/internal/auth"
	"trainsync/internal/config"
	"trainsync/internal/ics"
	appLog "trainsync/internal/log"
	"trainsync/internal/model"
	"trainsync/internal/pipeline"
	"trainsync/internal/questionnaire"
)

const maxRequestBody = 1 << 20

// Syncer runs sync passes. Implemented by *pipeline.Service.
type Syncer interface {
	SyncTeam(ctx context.Context, req pipeline.Request) (model.SyncResult, error)
	Sweep(ctx context.Context) (pipeline.SweepSummary, error)
}

// TrainingReader exposes persisted teams and trainings. Implemented by
// *store.Storage.
type TrainingReader interface {
	GetTeam(ctx context.Context, id string) (*model.Team, error)
	ListTrainings(ctx context.Context, teamID string, from, to time.Time) ([]model.Training, error)
}

// Questionnaires answers window queries and records responses.
// Implemented by *questionnaire.Service.
type Questionnaires interface {
	Window(ctx context.Context, teamID, trainingID, athleteID string) (questionnaire.Window, error)
	Submit(ctx context.Context, teamID, trainingID, athleteID string, answers json.RawMessage) error
}

// Server provides the HTTP API: manual sync, training listing, iCalendar
// export and questionnaire windows.
type Server struct {
	cfg *config.Config
	mux *http.ServeMux

	auth           *auth.Authenticator
	syncer         Syncer
	trainings      TrainingReader
	questionnaires Questionnaires

	now func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, syncer Syncer, trainings TrainingReader, questionnaires Questionnaires, authn *auth.Authenticator) *Server {
	if authn == nil {
		authn = auth.NewAuthenticator(nil)
	}
	s := &Server{
		cfg:            cfg,
		mux:            http.NewServeMux(),
		auth:           authn,
		syncer:         syncer,
		trainings:      trainings,
		questionnaires: questionnaires,
		now:            time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartServer serves h on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, h http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/sync", s.handleSync)
	api.HandleFunc("POST /api/sync/all", s.handleSyncAll)
	api.HandleFunc("GET /api/teams/{teamID}/trainings", s.handleTrainings)
	api.HandleFunc("GET /api/teams/{teamID}/calendar.ics", s.handleCalendar)
	api.HandleFunc("GET /api/teams/{teamID}/trainings/{trainingID}/questionnaire", s.handleQuestionnaireStatus)
	api.HandleFunc("POST /api/teams/{teamID}/trainings/{trainingID}/questionnaire", s.handleQuestionnaireSubmit)

	if s.auth.Enabled() {
		appLog.Info("API bearer auth enabled")
	} else {
		appLog.Warn("API bearer auth disabled; no api_tokens configured")
	}
	s.mux.Handle("/api/", s.auth.Middleware(api))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSync implements "sync now" and, with icsUrl set, "import calendar".
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	appLog.Info("api sync request", "team", req.TeamID, "import", req.ICSURL != "")

	res, err := s.syncer.SyncTeam(r.Context(), req)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	appLog.Info("api sweep request")

	summary, err := s.syncer.Sweep(r.Context())
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// trainingDTO is the JSON shape of a persisted training.
type trainingDTO struct {
	ID          string    `json:"id"`
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Status      string    `json:"status"`
	Cancelled   bool      `json:"cancelled"`
	AllDay      bool      `json:"allDay"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TimeZone    string    `json:"timeZone"`
	DisplayTZ   string    `json:"displayTz"`
	Source      string    `json:"source"`
	Hash        string    `json:"hash"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CreatedAt   time.Time `json:"createdAt"`

	QuestionnaireNotified bool `json:"questionnaireNotified"`
}

func toTrainingDTO(t model.Training) trainingDTO {
	return trainingDTO{
		ID:                    t.ID,
		UID:                   t.UID,
		Title:                 t.Title,
		Description:           t.Description,
		Location:              t.Location,
		Status:                t.Status,
		Cancelled:             t.Cancelled,
		AllDay:                t.AllDay,
		Start:                 t.Start,
		End:                   t.End,
		TimeZone:              t.TimeZone,
		DisplayTZ:             t.DisplayTZ,
		Source:                t.Source,
		Hash:                  t.Hash,
		LastSeenAt:            t.LastSeenAt,
		UpdatedAt:             t.UpdatedAt,
		CreatedAt:             t.CreatedAt,
		QuestionnaireNotified: t.QuestionnaireNotified,
	}
}

type trainingsResponse struct {
	TeamID    string        `json:"teamId"`
	From      time.Time     `json:"from"`
	To        time.Time     `json:"to"`
	Trainings []trainingDTO `json:"trainings"`
}

func (s *Server) handleTrainings(w http.ResponseWriter, r *http.Request) {
	team, ok := s.lookupTeam(w, r)
	if !ok {
		return
	}

	from, to, err := s.parseRange(r, resolveLocationOrDefault(team.TimeZone, s.defaultTimezone()))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	appLog.Info("api trainings request",
		"team", team.ID,
		"from", from.Format(time.RFC3339),
		"to", to.Format(time.RFC3339),
	)

	list, err := s.trainings.ListTrainings(r.Context(), team.ID, from, to)
	if err != nil {
		appLog.Error("list trainings failed", err, "team", team.ID)
		writeError(w, http.StatusInternalServerError, "failed to list trainings")
		return
	}

	resp := trainingsResponse{
		TeamID:    team.ID,
		From:      from.UTC(),
		To:        to.UTC(),
		Trainings: make([]trainingDTO, 0, len(list)),
	}
	for _, t := range list {
		resp.Trainings = append(resp.Trainings, toTrainingDTO(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar re-exports a team's trainings as iCalendar.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	team, ok := s.lookupTeam(w, r)
	if !ok {
		return
	}

	loc := resolveLocationOrDefault(team.DisplayTZ, team.TimeZone)
	from, to, err := s.parseRange(r, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.trainings.ListTrainings(r.Context(), team.ID, from, to)
	if err != nil {
		appLog.Error("list trainings failed", err, "team", team.ID)
		writeError(w, http.StatusInternalServerError, "failed to list trainings")
		return
	}

	name := team.Name
	if name == "" {
		name = team.ID
	}

	var buf bytes.Buffer
	if err := ics.ExportCalendar(&buf, name, list, loc); err != nil {
		appLog.Error("calendar export failed", err, "team", team.ID)
		writeError(w, http.StatusInternalServerError, "failed to encode calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+team.ID+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleQuestionnaireStatus(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	trainingID := r.PathValue("trainingID")
	athlete := r.URL.Query().Get("athlete")

	win, err := s.questionnaires.Window(r.Context(), teamID, trainingID, athlete)
	if err != nil {
		writeQuestionnaireError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

type submitRequest struct {
	Answers json.RawMessage `json:"answers"`
}

func (s *Server) handleQuestionnaireSubmit(w http.ResponseWriter, r *http.Request) {
	teamID := r.PathValue("teamID")
	trainingID := r.PathValue("trainingID")
	athlete := strings.TrimSpace(r.URL.Query().Get("athlete"))
	if athlete == "" {
		writeError(w, http.StatusBadRequest, "athlete query parameter is required")
		return
	}

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.questionnaires.Submit(r.Context(), teamID, trainingID, athlete, req.Answers); err != nil {
		writeQuestionnaireError(w, err)
		return
	}

	appLog.Info("questionnaire response recorded", "team", teamID, "training", trainingID)

	win, err := s.questionnaires.Window(r.Context(), teamID, trainingID, athlete)
	if err != nil {
		writeQuestionnaireError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, win)
}

// lookupTeam resolves {teamID} and writes a 404 when it is unknown.
func (s *Server) lookupTeam(w http.ResponseWriter, r *http.Request) (*model.Team, bool) {
	teamID := r.PathValue("teamID")
	team, err := s.trainings.GetTeam(r.Context(), teamID)
	if err != nil {
		appLog.Error("get team failed", err, "team", teamID)
		writeError(w, http.StatusInternalServerError, "failed to load team")
		return nil, false
	}
	if team == nil {
		writeError(w, http.StatusNotFound, "team not found")
		return nil, false
	}
	return team, true
}

// parseRange reads from/to as RFC3339 instants or YYYY-MM-DD dates in loc.
// Missing bounds default to the configured sync window around now.
func (s *Server) parseRange(r *http.Request, loc *time.Location) (time.Time, time.Time, error) {
	q := r.URL.Query()
	now := s.now()

	past, future := 7, 120
	if s.cfg != nil {
		if s.cfg.WindowPastDays > 0 {
			past = s.cfg.WindowPastDays
		}
		if s.cfg.WindowFutureDays > 0 {
			future = s.cfg.WindowFutureDays
		}
	}

	from := now.AddDate(0, 0, -past)
	to := now.AddDate(0, 0, future)

	if v := q.Get("from"); v != "" {
		t, err := parseTimeParam(v, loc)
		if err != nil {
			return from, to, errors.New("invalid from: " + err.Error())
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseTimeParam(v, loc)
		if err != nil {
			return from, to, errors.New("invalid to: " + err.Error())
		}
		to = t
	}
	if to.Before(from) {
		return from, to, errors.New("to is before from")
	}
	return from, to, nil
}

func parseTimeParam(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, loc)
}

func (s *Server) defaultTimezone() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.DefaultTimezone
}

// resolveLocationOrDefault loads the first non-empty known zone name and
// falls back to model.DefaultTimeZone.
func resolveLocationOrDefault(names ...string) *time.Location {
	for _, name := range append(names, model.DefaultTimeZone) {
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			appLog.Error("failed to load timezone; trying next", err, "name", name)
			continue
		}
		return loc
	}
	return time.UTC
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

// writeSyncError maps pipeline errors onto HTTP statuses. Everything not
// caused by the request itself is a 500 carrying the error kind.
func writeSyncError(w http.ResponseWriter, err error) {
	kind := pipeline.ErrorKind(err)
	switch kind {
	case pipeline.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case pipeline.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case pipeline.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("api sync failed", err, "kind", kind)
		writeJSON(w, http.StatusInternalServerError, kindErrResp{Error: err.Error(), Kind: kind})
	}
}

func writeQuestionnaireError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, questionnaire.ErrTrainingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, questionnaire.ErrNotOpen):
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("questionnaire request failed", err)
		writeError(w, http.StatusInternalServerError, "questionnaire request failed")
	}
}

type kindErrResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
