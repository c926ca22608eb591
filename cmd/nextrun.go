package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

type nextRunFlags struct {
	kind     string
	cron     string
	interval int64
	at       string
	from     string
	count    int
	timezone string
}

// newNextRunCmd previews firing times without touching any store.
func newNextRunCmd() *cobra.Command {
	var f nextRunFlags
	cmd := &cobra.Command{
		Use:   "next-run",
		Short: "Prints upcoming firing times for a schedule definition",
		Example: `  crawl-scheduler next-run --type cron --cron "0 9 * * 1-5" --count 3
  crawl-scheduler next-run --type interval --interval 900 --from 2024-01-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, from, loc, err := f.resolve(time.Now())
			if err != nil {
				return err
			}
			times, err := schedule.Upcoming(s, from, loc, f.count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range times {
				if _, err := fmt.Fprintln(out, t.In(loc).Format(time.RFC3339)); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.kind, "type", string(schedule.TypeCron), "schedule type: cron, interval or one-time")
	cmd.Flags().StringVar(&f.cron, "cron", "", "five-field cron expression")
	cmd.Flags().Int64Var(&f.interval, "interval", 0, "interval in seconds")
	cmd.Flags().StringVar(&f.at, "at", "", "RFC3339 instant for one-time schedules")
	cmd.Flags().StringVar(&f.from, "from", "", "RFC3339 reference instant (default now)")
	cmd.Flags().IntVar(&f.count, "count", 5, "number of firings to print")
	cmd.Flags().StringVar(&f.timezone, "timezone", "UTC", "IANA zone cron expressions are evaluated in")
	return cmd
}

func (f nextRunFlags) resolve(now time.Time) (schedule.Schedule, time.Time, *time.Location, error) {
	loc, err := time.LoadLocation(f.timezone)
	if err != nil {
		return schedule.Schedule{}, time.Time{}, nil, fmt.Errorf("timezone: %w", err)
	}
	from := now
	if f.from != "" {
		if from, err = time.Parse(time.RFC3339, f.from); err != nil {
			return schedule.Schedule{}, time.Time{}, nil, fmt.Errorf("from: %w", err)
		}
	}
	s := schedule.Schedule{
		ID:              "preview",
		Type:            schedule.Type(f.kind),
		CronExpression:  f.cron,
		IntervalSeconds: f.interval,
		Enabled:         true,
	}
	if f.at != "" {
		at, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return schedule.Schedule{}, time.Time{}, nil, fmt.Errorf("at: %w", err)
		}
		s.ScheduledAt = &at
	}
	return s, from, loc, nil
}
