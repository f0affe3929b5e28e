package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"trainsync/internal/pipeline"
)

func newSyncCmd() *cobra.Command {
	var teamID, feedURL string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one team now",
		Long: `Sync one team's calendar feed now and print the tally as JSON.
With --url the feed is validated and saved as the team's calendar first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(contextOf(cmd), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pipeline.SyncTeam(contextOf(cmd), pipeline.Request{TeamID: teamID, ICSURL: feedURL})
			if err != nil {
				return fmt.Errorf("sync %s failed (%s): %w", teamID, pipeline.ErrorKind(err), err)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&teamID, "team", "", "Team id (required)")
	cmd.Flags().StringVar(&feedURL, "url", "", "Import this calendar URL for the team before syncing")
	cmd.MarkFlagRequired("team")

	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Sync every team that has a calendar feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(contextOf(cmd), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.pipeline.Sweep(contextOf(cmd))
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d teams failed", summary.Failed, summary.Teams)
			}
			return nil
		},
	}
}

// contextOf returns the command's context, which is nil when the command
// is executed without ExecuteContext.
func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
