package cli

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"trainsync/internal/ics"
	"trainsync/internal/model"
)

// expandOutput is the dry-run result printed by the expand command.
type expandOutput struct {
	File          string           `json:"file"`
	TimeZone      string           `json:"timezone"`
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
	Components    int              `json:"components"`
	InstanceCount int              `json:"instance_count"`
	TruncatedUIDs []string         `json:"truncated_uids,omitempty"`
	Instances     []instanceOutput `json:"instances"`
}

type instanceOutput struct {
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Status      string    `json:"status"`
	Cancelled   bool      `json:"cancelled"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func newExpandCmd() *cobra.Command {
	var (
		file     string
		fromFlag string
		toFlag   string
		tzFlag   string
		maxOcc   int
	)

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Parse and expand a local .ics file without touching the store",
		Long: `Parse a local iCalendar file, expand recurrences over a window and
print the resulting instances as JSON. Nothing is fetched or persisted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tzFlag)
			if err != nil {
				return fmt.Errorf("invalid --tz %q: %w", tzFlag, err)
			}

			now := time.Now().In(loc)
			from := now.AddDate(0, 0, -7)
			to := now.AddDate(0, 0, 120)
			if fromFlag != "" {
				if from, err = parseDay(fromFlag, loc); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if toFlag != "" {
				if to, err = parseDay(toFlag, loc); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}

			out, err := expandFile(body, loc, from, to, maxOcc)
			if err != nil {
				return err
			}
			out.File = file
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the .ics file (required)")
	cmd.Flags().StringVar(&fromFlag, "from", "", "Window start, YYYY-MM-DD or RFC3339 (default: 7 days ago)")
	cmd.Flags().StringVar(&toFlag, "to", "", "Window end, YYYY-MM-DD or RFC3339 (default: 120 days ahead)")
	cmd.Flags().StringVar(&tzFlag, "tz", model.DefaultTimeZone, "Zone for floating times and all-day dates")
	cmd.Flags().IntVar(&maxOcc, "max-occurrences", 0, "Per-series occurrence cap (0: default)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// expandFile runs parse and expand on body and sorts instances by start.
func expandFile(body []byte, loc *time.Location, from, to time.Time, maxOcc int) (*expandOutput, error) {
	comps, err := ics.Parse(body, loc)
	if err != nil {
		return nil, err
	}
	res, err := ics.Expand(comps, ics.ExpandConfig{
		RangeStart:             from,
		RangeEnd:               to,
		MaxOccurrencesPerEvent: maxOcc,
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(res.Instances, func(i, j int) bool {
		a, b := res.Instances[i], res.Instances[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.UID < b.UID
	})

	out := &expandOutput{
		TimeZone:      loc.String(),
		From:          from.UTC(),
		To:            to.UTC(),
		Components:    len(comps),
		InstanceCount: len(res.Instances),
		TruncatedUIDs: res.TruncatedUIDs,
		Instances:     make([]instanceOutput, 0, len(res.Instances)),
	}
	for _, in := range res.Instances {
		out.Instances = append(out.Instances, instanceOutput{
			UID:         in.UID,
			Title:       in.Title,
			Description: in.Description,
			Location:    in.Location,
			Status:      in.Status,
			Cancelled:   in.Cancelled,
			AllDay:      in.AllDay,
			Start:       in.Start,
			End:         in.End,
		})
	}
	return out, nil
}

func parseDay(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, loc)
}
