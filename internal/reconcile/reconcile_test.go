package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"trainsync/internal/model"
)

type fakeStore struct {
	rows    map[string]model.Training
	batches []int
	failAt  int // 1-based batch number that fails; 0 disables
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]model.Training)}
}

func (s *fakeStore) LookupTrainings(_ context.Context, _ string, ids []string) (map[string]model.Training, error) {
	out := make(map[string]model.Training)
	for _, id := range ids {
		if tr, ok := s.rows[id]; ok {
			out[id] = tr
		}
	}
	return out, nil
}

func (s *fakeStore) CommitBatch(_ context.Context, _ string, writes []Write) error {
	if s.failAt != 0 && len(s.batches)+1 == s.failAt {
		return errors.New("quota exceeded")
	}
	s.batches = append(s.batches, len(writes))
	for _, w := range writes {
		if w.Kind == OpTouch {
			tr := s.rows[w.Training.ID]
			tr.LastSeenAt = w.Training.LastSeenAt
			s.rows[w.Training.ID] = tr
			continue
		}
		s.rows[w.Training.ID] = w.Training
	}
	return nil
}

func (s *fakeStore) StaleTrainings(_ context.Context, teamID string, from, to, seenBefore time.Time) ([]model.Training, error) {
	var out []model.Training
	for _, tr := range s.rows {
		if tr.TeamID == teamID && tr.Source == model.SourceICS && !tr.Cancelled &&
			!tr.Start.Before(from) && !tr.Start.After(to) && tr.LastSeenAt.Before(seenBefore) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func sprint() model.EventInstance {
	return model.EventInstance{
		UID:    "evt-1",
		Title:  "Sprint training",
		Status: model.StatusConfirmed,
		Start:  time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC),
		End:    time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC),
	}
}

func newTestReconciler(store Store, batch int, now time.Time) *Reconciler {
	r := New(store, batch)
	r.now = func() time.Time { return now }
	return r
}

func TestReconcileCreateThenIdempotent(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(store, 0, now)
	meta := Meta{TimeZone: "Europe/Paris", DisplayTZ: "Europe/Paris"}
	inst := sprint()

	first, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{inst}, meta)
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	want := model.SyncResult{Seen: 1, Created: 1}
	if first != want {
		t.Errorf("first = %+v, want %+v", first, want)
	}

	id := InstanceID("team-1", inst.UID, inst.Start)
	row := store.rows[id]
	if row.Hash != ContentHash(inst) {
		t.Errorf("stored hash = %s, want fingerprint of the instance", row.Hash)
	}
	if row.Source != model.SourceICS || row.TimeZone != "Europe/Paris" || !row.CreatedAt.Equal(now) {
		t.Errorf("stored row = %+v", row)
	}

	later := now.Add(10 * time.Minute)
	r.now = func() time.Time { return later }
	second, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{inst}, meta)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second != (model.SyncResult{Seen: 1}) {
		t.Errorf("second = %+v, want only seen=1", second)
	}
	if row := store.rows[id]; !row.LastSeenAt.Equal(later) || !row.CreatedAt.Equal(now) {
		t.Errorf("touch did not bump LastSeenAt only: %+v", row)
	}
}

func TestReconcileIdentityStableAcrossTitleDrift(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, 0, time.Now())
	inst := sprint()

	if _, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{inst}, Meta{}); err != nil {
		t.Fatal(err)
	}
	inst.Title = "Sprint training (moved to pitch 2)"
	res, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{inst}, Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if res != (model.SyncResult{Seen: 1, Updated: 1}) {
		t.Errorf("res = %+v, want one update", res)
	}
	if len(store.rows) != 1 {
		t.Errorf("rows = %d, want 1 (no duplicate)", len(store.rows))
	}
}

func TestReconcileCancellation(t *testing.T) {
	store := newFakeStore()
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	r := newTestReconciler(store, 0, created)
	inst := sprint()

	if _, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{inst}, Meta{}); err != nil {
		t.Fatal(err)
	}
	id := InstanceID("team-1", inst.UID, inst.Start)
	row := store.rows[id]
	row.QuestionnaireNotified = true
	store.rows[id] = row

	r.now = func() time.Time { return created.Add(time.Hour) }
	inst.Status = model.StatusCancelled
	inst.Cancelled = true
	res, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{inst}, Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if res != (model.SyncResult{Seen: 1, Cancelled: 1}) {
		t.Errorf("res = %+v, want {seen:1 cancelled:1}", res)
	}
	row = store.rows[id]
	if !row.Cancelled || row.Status != model.StatusCancelled {
		t.Errorf("row not cancelled: %+v", row)
	}
	if !row.CreatedAt.Equal(created) || !row.QuestionnaireNotified {
		t.Errorf("update lost CreatedAt or QuestionnaireNotified: %+v", row)
	}

	// Reinstating counts as an update, not a cancellation.
	inst.Status = model.StatusConfirmed
	inst.Cancelled = false
	res, err = r.Reconcile(context.Background(), "team-1", []model.EventInstance{inst}, Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if res != (model.SyncResult{Seen: 1, Updated: 1}) {
		t.Errorf("reinstated res = %+v", res)
	}
}

func TestPlanCancelledAtCreation(t *testing.T) {
	inst := sprint()
	inst.Status = model.StatusCancelled
	inst.Cancelled = true

	plan := Plan("team-1", []model.EventInstance{inst, inst}, nil, Meta{}, time.Now())
	if plan.Result != (model.SyncResult{Seen: 2, Cancelled: 1}) {
		t.Errorf("Result = %+v, want {seen:2 cancelled:1}", plan.Result)
	}
	if len(plan.Writes) != 1 || plan.Writes[0].Kind != OpCreate {
		t.Errorf("Writes = %+v, want one create", plan.Writes)
	}
}

func TestInstanceID(t *testing.T) {
	start := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	paris, _ := time.LoadLocation("Europe/Paris")

	base := InstanceID("team-1", "evt-1", start)
	if len(base) != 32 {
		t.Errorf("len(id) = %d, want 32 hex chars", len(base))
	}
	if got := InstanceID("team-1", "evt-1", start.In(paris)); got != base {
		t.Errorf("id depends on zone of the same instant")
	}
	for name, other := range map[string]string{
		"team":  InstanceID("team-2", "evt-1", start),
		"uid":   InstanceID("team-1", "evt-2", start),
		"start": InstanceID("team-1", "evt-1", start.Add(time.Hour)),
	} {
		if other == base {
			t.Errorf("changing %s kept the same id", name)
		}
	}
}

func TestContentHashSensitivity(t *testing.T) {
	base := sprint()
	h := ContentHash(base)

	mutations := map[string]func(*model.EventInstance){
		"title":       func(e *model.EventInstance) { e.Title = "Other" },
		"description": func(e *model.EventInstance) { e.Description = "Bring spikes" },
		"location":    func(e *model.EventInstance) { e.Location = "Stadium" },
		"start":       func(e *model.EventInstance) { e.Start = e.Start.Add(time.Minute) },
		"end":         func(e *model.EventInstance) { e.End = e.End.Add(time.Minute) },
		"status":      func(e *model.EventInstance) { e.Status = "TENTATIVE" },
		"allDay":      func(e *model.EventInstance) { e.AllDay = true },
		"cancelled":   func(e *model.EventInstance) { e.Cancelled = true },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := base
			mutate(&e)
			if ContentHash(e) == h {
				t.Errorf("hash unchanged after %s change", name)
			}
		})
	}

	same := base
	same.UID = "different-uid"
	if ContentHash(same) != h {
		t.Errorf("uid must not take part in the content hash")
	}
}

func TestReconcileBatching(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, 4, time.Now())

	var instances []model.EventInstance
	for i := 0; i < 10; i++ {
		inst := sprint()
		inst.UID = fmt.Sprintf("evt-%d", i)
		instances = append(instances, inst)
	}

	res, err := r.Reconcile(context.Background(), "team-1", instances, Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 10 {
		t.Errorf("Created = %d, want 10", res.Created)
	}
	if fmt.Sprint(store.batches) != "[4 4 2]" {
		t.Errorf("batches = %v, want [4 4 2]", store.batches)
	}
}

func TestReconcileCommitFailure(t *testing.T) {
	store := newFakeStore()
	store.failAt = 2
	r := newTestReconciler(store, 2, time.Now())

	var instances []model.EventInstance
	for i := 0; i < 5; i++ {
		inst := sprint()
		inst.UID = fmt.Sprintf("evt-%d", i)
		instances = append(instances, inst)
	}

	_, err := r.Reconcile(context.Background(), "team-1", instances, Meta{})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
	if pe.Committed != 1 {
		t.Errorf("Committed = %d, want 1", pe.Committed)
	}
}

func TestReapStale(t *testing.T) {
	store := newFakeStore()
	runStart := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(store, 0, runStart.Add(-24*time.Hour))

	gone := sprint()
	kept := sprint()
	kept.UID = "evt-kept"
	if _, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{gone, kept}, Meta{}); err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return runStart.Add(time.Second) }
	if _, err := r.Reconcile(context.Background(), "team-1", []model.EventInstance{kept}, Meta{}); err != nil {
		t.Fatal(err)
	}

	n, err := r.ReapStale(context.Background(), "team-1", runStart, runStart.AddDate(0, 1, 0), runStart)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	row := store.rows[InstanceID("team-1", gone.UID, gone.Start)]
	if !row.Cancelled || row.Status != model.StatusCancelled || row.Hash != ContentHash(row.Instance()) {
		t.Errorf("stale row = %+v", row)
	}
	if store.rows[InstanceID("team-1", kept.UID, kept.Start)].Cancelled {
		t.Errorf("seen row was cancelled")
	}
}
