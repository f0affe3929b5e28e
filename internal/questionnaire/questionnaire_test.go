package questionnaire

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"trainsync/internal/model"
	"trainsync/internal/reconcile"
	"trainsync/internal/store"
)

func TestStatusAt(t *testing.T) {
	end := time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC)
	window := 24 * time.Hour

	tests := []struct {
		name      string
		now       time.Time
		completed bool
		want      Status
	}{
		{"before end", end.Add(-time.Minute), false, StatusNotOpenYet},
		{"at end", end, false, StatusOpen},
		{"inside window", end.Add(3 * time.Hour), false, StatusOpen},
		{"at close", end.Add(window), false, StatusOpen},
		{"after close", end.Add(window + time.Second), false, StatusClosed},
		{"completed inside", end.Add(time.Hour), true, StatusCompleted},
		{"completed after close", end.Add(48 * time.Hour), true, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusAt(end, tt.now, window, tt.completed); got != tt.want {
				t.Errorf("StatusAt = %q, want %q", got, tt.want)
			}
		})
	}
}

func newStore(t *testing.T) *store.Storage {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "trainsync.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func putTraining(t *testing.T, st *store.Storage, id string, end time.Time, cancelled bool) {
	t.Helper()
	now := end.Add(-48 * time.Hour)
	tr := model.Training{
		ID: id, TeamID: "u17", UID: id, Title: "Practice", Status: model.StatusConfirmed,
		Cancelled: cancelled, Start: end.Add(-time.Hour), End: end,
		Source: model.SourceICS, Hash: "h", LastSeenAt: now, UpdatedAt: now, CreatedAt: now,
	}
	if err := st.CommitBatch(context.Background(), "u17", []reconcile.Write{{Kind: reconcile.OpCreate, Training: tr}}); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
}

func TestServiceWindowAndSubmit(t *testing.T) {
	st := newStore(t)
	end := time.Date(2025, 3, 10, 19, 30, 0, 0, time.UTC)
	putTraining(t, st, "tr-1", end, false)
	putTraining(t, st, "tr-cancelled", end, true)

	svc := NewService(st, 24*time.Hour)
	svc.now = func() time.Time { return end.Add(time.Hour) }
	ctx := context.Background()

	w, err := svc.Window(ctx, "u17", "tr-1", "ath-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != StatusOpen || !w.ClosesAt.Equal(end.Add(24*time.Hour)) {
		t.Errorf("window = %+v", w)
	}

	if err := svc.Submit(ctx, "u17", "tr-1", "ath-1", []byte(`{"rpe":6}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if w, _ := svc.Window(ctx, "u17", "tr-1", "ath-1"); w.Status != StatusCompleted {
		t.Errorf("after submit status = %q, want completed", w.Status)
	}
	if w, _ := svc.Window(ctx, "u17", "tr-1", "ath-2"); w.Status != StatusOpen {
		t.Errorf("other athlete status = %q, want open", w.Status)
	}

	if w, _ := svc.Window(ctx, "u17", "tr-cancelled", "ath-1"); w.Status != StatusClosed {
		t.Errorf("cancelled training status = %q, want closed", w.Status)
	}
	if err := svc.Submit(ctx, "u17", "tr-cancelled", "ath-1", nil); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Submit on cancelled = %v, want ErrNotOpen", err)
	}

	svc.now = func() time.Time { return end.Add(-time.Hour) }
	if err := svc.Submit(ctx, "u17", "tr-1", "ath-2", nil); !errors.Is(err, ErrNotOpen) {
		t.Errorf("early Submit = %v, want ErrNotOpen", err)
	}

	if _, err := svc.Window(ctx, "u17", "missing", ""); !errors.Is(err, ErrTrainingNotFound) {
		t.Errorf("Window(missing) = %v, want ErrTrainingNotFound", err)
	}
	if _, err := svc.Window(ctx, "other-team", "tr-1", ""); !errors.Is(err, ErrTrainingNotFound) {
		t.Errorf("Window across teams = %v, want ErrTrainingNotFound", err)
	}
}

type recordingSender struct {
	sent []string
	fail map[string]bool
}

func (s *recordingSender) SendQuestionnaire(_ context.Context, tr model.Training) error {
	if s.fail[tr.ID] {
		return errors.New("push gateway down")
	}
	s.sent = append(s.sent, tr.ID)
	return nil
}

func TestNotifierNotifyDue(t *testing.T) {
	st := newStore(t)
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)
	putTraining(t, st, "ended", now.Add(-2*time.Hour), false)
	putTraining(t, st, "flaky", now.Add(-3*time.Hour), false)
	putTraining(t, st, "future", now.Add(2*time.Hour), false)
	putTraining(t, st, "long-ago", now.Add(-72*time.Hour), false)
	putTraining(t, st, "cancelled", now.Add(-time.Hour), true)

	sender := &recordingSender{fail: map[string]bool{"flaky": true}}
	n := NewNotifier(st, sender, 24*time.Hour)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	count, err := n.NotifyDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || len(sender.sent) != 1 || sender.sent[0] != "ended" {
		t.Errorf("first pass count = %d sent = %v", count, sender.sent)
	}

	// Already flagged trainings are not sent twice; the failed one is retried.
	sender.fail = nil
	count, err = n.NotifyDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || sender.sent[len(sender.sent)-1] != "flaky" {
		t.Errorf("second pass count = %d sent = %v", count, sender.sent)
	}

	tr, _ := st.GetTraining(ctx, "u17", "ended")
	if !tr.QuestionnaireNotified {
		t.Error("flag not set on notified training")
	}
}
