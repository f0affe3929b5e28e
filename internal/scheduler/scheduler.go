// Package scheduler triggers the periodic sweep and the questionnaire
// notifier.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "trainsync/internal/log"
	"trainsync/internal/pipeline"
)

// Sweeper runs one sync over every team with a feed.
type Sweeper interface {
	Sweep(ctx context.Context) (pipeline.SweepSummary, error)
}

// QuestionnaireNotifier announces due questionnaires.
type QuestionnaireNotifier interface {
	NotifyDue(ctx context.Context) (int, error)
}

// cronLogger routes robfig/cron's logging to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	notifier QuestionnaireNotifier

	syncSpec          string
	questionnaireSpec string
	// sweepTimeout bounds a whole sweep so a stuck run cannot pin the job.
	sweepTimeout time.Duration
}

// New creates a scheduler. An empty questionnaireSpec or nil notifier
// disables the notifier job.
func New(sweeper Sweeper, notifier QuestionnaireNotifier, syncSpec, questionnaireSpec string, sweepTimeout time.Duration) *Scheduler {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{
		cron:              c,
		sweeper:           sweeper,
		notifier:          notifier,
		syncSpec:          syncSpec,
		questionnaireSpec: questionnaireSpec,
		sweepTimeout:      sweepTimeout,
	}
}

// Start registers the jobs, starts the cron loop and blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.syncSpec, func() { s.runSweep(ctx) }); err != nil {
		return fmt.Errorf("add sync sweep: %w", err)
	}
	if s.notifier != nil && s.questionnaireSpec != "" {
		if _, err := s.cron.AddFunc(s.questionnaireSpec, func() { s.runNotifier(ctx) }); err != nil {
			return fmt.Errorf("add questionnaire notifier: %w", err)
		}
	}

	s.cron.Start()
	appLog.Info("scheduler started", "sync_cron", s.syncSpec, "questionnaire_cron", s.questionnaireSpec)

	<-ctx.Done()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if s.sweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sweepTimeout)
		defer cancel()
	}
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		appLog.Error("scheduled sweep failed", err)
	}
}

func (s *Scheduler) runNotifier(ctx context.Context) {
	n, err := s.notifier.NotifyDue(ctx)
	if err != nil {
		appLog.Error("questionnaire notifier failed", err)
		return
	}
	if n > 0 {
		appLog.Info("questionnaire notifications sent", "count", n)
	}
}
