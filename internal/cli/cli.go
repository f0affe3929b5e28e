package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"trainsync/internal/capture"
	"trainsync/internal/config"
	"trainsync/internal/ics"
	appLog "trainsync/internal/log"
	"trainsync/internal/model"
	"trainsync/internal/pipeline"
	"trainsync/internal/reconcile"
	"trainsync/internal/store"
)

const (
	ExitSuccess = 0
	ExitError   = 1

	defaultConfigPath = "/etc/trainsync/config.yaml"
	version           = "0.1.0"
)

var (
	flagConfig string
	flagDebug  bool
)

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trainsync",
		Short: "Sync team training calendars from iCalendar feeds",
		Long: `trainsync fetches each team's published iCalendar feed, expands
recurring events over a rolling window and reconciles the result into
persisted training sessions.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				appLog.SetLevel(appLog.LevelDebug)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath, "Path to config file")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newSweepCmd(),
		newExpandCmd(),
		newHashTokenCmd(),
	)
	return cmd
}

// Execute runs the CLI
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}
}

// loadConfig reads, validates and applies the config's log level. --debug
// wins over the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", flagConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", flagConfig, err)
	}
	if !flagDebug {
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	}
	return cfg, nil
}

// app bundles the wired components shared by serve, sync and sweep.
type app struct {
	cfg      *config.Config
	store    *store.Storage
	pipeline *pipeline.Service
}

// newApp opens the store, seeds configured teams and builds the pipeline.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	for _, t := range cfg.Teams {
		team := model.Team{
			ID:        t.ID,
			Name:      t.Name,
			ICSURL:    t.ICSURL,
			TimeZone:  t.TimeZone,
			DisplayTZ: t.DisplayTZ,
		}
		if team.TimeZone == "" {
			team.TimeZone = cfg.DefaultTimezone
		}
		if err := st.SeedTeam(ctx, team); err != nil {
			st.Close()
			return nil, fmt.Errorf("seeding team %s: %w", t.ID, err)
		}
	}

	fetcher := ics.NewFetcher(cfg.CacheDir, cfg.UserAgent)
	if cfg.RenderPages {
		fetcher.SetRenderer(capture.Renderer{Timeout: cfg.RenderTimeout()})
	}
	rec := reconcile.New(st, cfg.BatchSize)
	svc := pipeline.New(st, fetcher, rec, pipeline.OptionsFromConfig(cfg))

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"database_path", cfg.DatabasePath,
		"default_timezone", cfg.DefaultTimezone,
		"sync_cron", cfg.SyncCron,
		"window_past_days", cfg.WindowPastDays,
		"window_future_days", cfg.WindowFutureDays,
		"teams", len(cfg.Teams),
		"api_tokens", len(cfg.APITokens),
		"render_pages", cfg.RenderPages,
	)

	return &app{cfg: cfg, store: st, pipeline: svc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("closing store failed", err)
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
