package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trainsync/internal/auth"
	appLog "trainsync/internal/log"
	"trainsync/internal/questionnaire"
	"trainsync/internal/scheduler"
	"trainsync/internal/web"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled sync sweep",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	appLog.Info("trainsync starting", "version", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	questionnaires := questionnaire.NewService(a.store, cfg.QuestionnaireWindow())
	notifier := questionnaire.NewNotifier(a.store, questionnaire.LogSender{}, cfg.QuestionnaireWindow())

	sched := scheduler.New(a.pipeline, notifier, cfg.SyncCron, cfg.QuestionnaireCron, cfg.SyncTimeout()*time.Duration(len(cfg.Teams)+1))

	var wg sync.WaitGroup
	schedErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Start(ctx); err != nil {
			schedErr <- err
			cancel()
		}
	}()

	srv := web.NewServer(cfg, a.pipeline, a.store, questionnaires, auth.NewAuthenticator(cfg.APITokens))
	serveErr := web.StartServer(ctx, cfg, srv.Handler())
	if serveErr != nil {
		appLog.Error("HTTP server failed", serveErr)
	}

	cancel()
	wg.Wait()
	sched.Stop()

	select {
	case err := <-schedErr:
		return err
	default:
	}

	appLog.Info("trainsync exiting")
	return serveErr
}
