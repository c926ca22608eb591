// Package schedule defines the domain types shared by the scheduler subsystems,
// together with the pure rules that turn a schedule definition into a firing:
// next-run calculation, option merging and job-type resolution.
package schedule

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a schedule does not exist.
var ErrNotFound = errors.New("schedule not found")

// Type identifies how a schedule decides when to fire.
type Type string

// Schedule variants understood by the engine.
const (
	TypeCron     Type = "cron"
	TypeInterval Type = "interval"
	TypeOneTime  Type = "one-time"
)

// Valid reports whether t is a known schedule variant.
func (t Type) Valid() bool {
	switch t {
	case TypeCron, TypeInterval, TypeOneTime:
		return true
	default:
		return false
	}
}

// JobType is the fetch engine operation a firing dispatches to.
type JobType string

// Fetch engine operations.
const (
	JobTypeScrape JobType = "scrape"
	JobTypeCrawl  JobType = "crawl"
)

// Valid reports whether j names a fetch engine operation.
func (j JobType) Valid() bool {
	return j == JobTypeScrape || j == JobTypeCrawl
}

// JobStatus is the persisted state of a Job row.
type JobStatus string

// Job status values written by the runner.
const (
	JobStatusCompleted JobStatus = "completed"
	JobStatusRunning   JobStatus = "running"
	JobStatusFailed    JobStatus = "failed"
)

// Options is an opaque, mergeable key/value document.
type Options map[string]any

// Clone returns a shallow copy of o.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Template holds options shared by several schedules.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Options Options `json:"options,omitempty"`
}

// Schedule is a persisted schedule definition plus its run bookkeeping.
type Schedule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Type            Type       `json:"schedule_type"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	IntervalSeconds int64      `json:"interval_seconds,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	URL             string     `json:"url,omitempty"`
	JobType         JobType    `json:"job_type,omitempty"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	RunCount        int64      `json:"run_count"`
	FailureCount    int64      `json:"failure_count"`
	LastError       string     `json:"last_error,omitempty"`
	Options         Options    `json:"options,omitempty"`
	TemplateID      string     `json:"template_id,omitempty"`
	Template        *Template  `json:"template,omitempty"`
}

// TemplateOptions returns the referenced template's options, if any.
func (s Schedule) TemplateOptions() Options {
	if s.Template == nil {
		return nil
	}
	return s.Template.Options
}

// Firing is one scheduled invocation in flight. It is never persisted.
type Firing struct {
	ScheduleID string
	Payload    Options
	JobType    JobType
	Attempt    int
	StartedAt  time.Time
}

// Job records the outcome of one firing.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"job_type"`
	URL         string          `json:"url"`
	Status      JobStatus       `json:"status"`
	Options     Options         `json:"options,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ScheduleID  string          `json:"schedule_id"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ScheduleUpdate is the set of fields the runner writes after a firing.
// Counter deltas are applied as increments; a nil NextRunAt clears the column.
// Nil LastError and Enabled leave the stored values untouched.
type ScheduleUpdate struct {
	LastRunAt         time.Time
	NextRunAt         *time.Time
	RunCountDelta     int64
	FailureCountDelta int64
	LastError         *string
	Enabled           *bool
}

// FetchResult is the decoded fetch engine response.
type FetchResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}
