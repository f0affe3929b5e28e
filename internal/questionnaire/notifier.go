package questionnaire

import (
	"context"
	"fmt"
	"time"

	appLog "trainsync/internal/log"
	"trainsync/internal/model"
)

// DueStore lists and flags trainings whose questionnaire should be announced.
type DueStore interface {
	DueQuestionnaires(ctx context.Context, endedAfter, endedBefore time.Time) ([]model.Training, error)
	MarkQuestionnaireNotified(ctx context.Context, ids []string) error
}

// Sender delivers the "questionnaire open" message for one training.
type Sender interface {
	SendQuestionnaire(ctx context.Context, tr model.Training) error
}

// LogSender only logs; push delivery lives outside this service.
type LogSender struct{}

func (LogSender) SendQuestionnaire(_ context.Context, tr model.Training) error {
	appLog.Info("questionnaire open", "team", tr.TeamID, "training", tr.ID, "title", tr.Title, "ended", tr.End)
	return nil
}

// Notifier announces questionnaires for trainings that ended within the
// window and sets their questionnaire flag.
type Notifier struct {
	store  DueStore
	sender Sender
	window time.Duration
	now    func() time.Time
}

func NewNotifier(store DueStore, sender Sender, window time.Duration) *Notifier {
	if sender == nil {
		sender = LogSender{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Notifier{store: store, sender: sender, window: window, now: time.Now}
}

// NotifyDue sends every pending notification and returns how many were
// delivered. A failed send is logged and retried on the next call.
func (n *Notifier) NotifyDue(ctx context.Context) (int, error) {
	now := n.now()
	due, err := n.store.DueQuestionnaires(ctx, now.Add(-n.window), now)
	if err != nil {
		return 0, fmt.Errorf("list due questionnaires: %w", err)
	}

	sent := make([]string, 0, len(due))
	for _, tr := range due {
		if err := n.sender.SendQuestionnaire(ctx, tr); err != nil {
			appLog.Error("questionnaire notification failed", err, "team", tr.TeamID, "training", tr.ID)
			continue
		}
		sent = append(sent, tr.ID)
	}

	if len(sent) > 0 {
		if err := n.store.MarkQuestionnaireNotified(ctx, sent); err != nil {
			return 0, fmt.Errorf("mark notified: %w", err)
		}
	}
	appLog.Debug("questionnaire notifier pass", "due", len(due), "sent", len(sent))
	return len(sent), nil
}
