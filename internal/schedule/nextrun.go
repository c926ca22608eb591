package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Errors describing definitions that can never produce a next run.
var (
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrInvalidInterval = errors.New("interval_seconds must be > 0")
	ErrMissingTarget   = errors.New("scheduled_at is required for one-time schedules")
	ErrUnknownType     = errors.New("unknown schedule type")
)

// Five-field expressions plus descriptors such as @daily or @every 5m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses expr with the scheduler's cron dialect.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// NextCron returns the first match of sched strictly after from, evaluated in loc.
func NextCron(sched cron.Schedule, from time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no upcoming match", ErrInvalidCron)
	}
	return next.UTC(), nil
}

// NextRun computes when s should fire next, relative to from.
//
// Cron schedules resolve in loc (UTC when nil) and always land strictly after
// from. Interval schedules add IntervalSeconds to from. One-time schedules
// return ScheduledAt verbatim. A nil time is returned together with an error
// for definitions that can never fire.
func NextRun(s Schedule, from time.Time, loc *time.Location) (*time.Time, error) {
	switch s.Type {
	case TypeCron:
		sched, err := ParseCron(s.CronExpression)
		if err != nil {
			return nil, err
		}
		next, err := NextCron(sched, from, loc)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case TypeInterval:
		if s.IntervalSeconds <= 0 {
			return nil, ErrInvalidInterval
		}
		next := from.Add(time.Duration(s.IntervalSeconds) * time.Second)
		return &next, nil
	case TypeOneTime:
		if s.ScheduledAt == nil {
			return nil, ErrMissingTarget
		}
		at := *s.ScheduledAt
		return &at, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, s.Type)
	}
}

// Upcoming returns up to n consecutive next runs starting from from.
// One-time schedules yield at most a single instant.
func Upcoming(s Schedule, from time.Time, loc *time.Location, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	cursor := from
	for len(out) < n {
		next, err := NextRun(s, cursor, loc)
		if err != nil {
			return out, err
		}
		out = append(out, *next)
		if s.Type == TypeOneTime {
			break
		}
		cursor = *next
	}
	return out, nil
}
