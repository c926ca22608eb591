// Package worker implements the execution runner that performs one schedule
// firing end to end.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

// Outcome labels reported to metrics in addition to job statuses.
const (
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Config controls Runner behavior.
type Config struct {
	RetryAttempts            int
	RetryDelayBase           time.Duration
	MaxFailuresBeforeDisable int
	Location                 *time.Location
	Topic                    string
}

// Outcome summarizes one firing for the engine.
type Outcome struct {
	ScheduleID string
	JobID      string
	Status     schedule.JobStatus
	Attempts   int
	// Aborted is set when the schedule was missing or disabled on re-fetch.
	Aborted bool
	// Retire asks the engine to drop the schedule's timer.
	Retire    bool
	Disabled  bool
	NextRunAt *time.Time
	Err       error
}

// Label returns the metrics outcome label for o.
func (o Outcome) Label() string {
	switch {
	case o.Aborted:
		return OutcomeSkipped
	case o.Err != nil && o.Status == "":
		return OutcomeError
	case o.Err != nil:
		return string(schedule.JobStatusFailed)
	default:
		return string(o.Status)
	}
}

// Option customizes a Runner.
type Option func(*Runner)

// WithMetrics reports executions to m.
func WithMetrics(m schedule.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithPublisher announces completed firings on cfg.Topic.
func WithPublisher(p schedule.Publisher) Option {
	return func(r *Runner) {
		r.publisher = p
	}
}

// WithArchive writes non-empty fetch results to blobs under prefix and stores
// only the object URI on the job row.
func WithArchive(b schedule.BlobStore, prefix string) Option {
	return func(r *Runner) {
		r.archive = b
		r.archivePrefix = strings.Trim(prefix, "/")
	}
}

// Runner executes admitted firings.
type Runner struct {
	store         schedule.Store
	fetcher       schedule.Fetcher
	clock         schedule.Clock
	idGen         schedule.IDGenerator
	metrics       schedule.Metrics
	publisher     schedule.Publisher
	archive       schedule.BlobStore
	archivePrefix string
	policy        RetryPolicy
	cfg           Config
	logger        *zap.Logger
}

// New constructs a Runner.
func New(
	store schedule.Store,
	fetcher schedule.Fetcher,
	clock schedule.Clock,
	idGen schedule.IDGenerator,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Runner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:   store,
		fetcher: fetcher,
		clock:   clock,
		idGen:   idGen,
		policy: RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryDelayBase,
		},
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one firing of scheduleID. It never panics and never returns an
// error to the caller; failures are persisted, logged and reported in Outcome.
func (r *Runner) Run(ctx context.Context, scheduleID string) (out Outcome) {
	started := r.clock.Now()
	out.ScheduleID = scheduleID
	scheduleType := schedule.Type("unknown")
	logger := r.logger.With(zap.String("schedule_id", scheduleID))

	defer func() {
		if rec := recover(); rec != nil {
			out.Err = fmt.Errorf("firing panicked: %v", rec)
			if out.Status == "" {
				out.Status = schedule.JobStatusFailed
			}
		}
		if out.Err != nil {
			logger.Error("firing failed", zap.Error(out.Err))
		}
		r.observe(ctx, scheduleType, out, started)
	}()

	s, err := r.store.FindScheduleByID(ctx, scheduleID)
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		logger.Info("schedule no longer exists, skipping firing")
		out.Aborted, out.Retire = true, true
		return out
	case err != nil:
		out.Err = fmt.Errorf("find schedule: %w", err)
		return out
	}
	scheduleType = s.Type
	if !s.Enabled {
		logger.Info("schedule disabled, skipping firing")
		out.Aborted, out.Retire = true, true
		return out
	}

	firing := r.prepare(s, started)
	logger = logger.With(
		zap.String("schedule_type", string(s.Type)),
		zap.String("job_type", string(firing.JobType)),
	)

	result, attempts, dispatchErr := r.dispatch(ctx, &firing, logger)
	out.Attempts = attempts
	status, errText := classify(firing.JobType, result, dispatchErr)
	out.Status = status

	job, err := r.recordJob(ctx, s, firing, status, result, errText)
	if err != nil {
		// The schedule bookkeeping below still runs so the failure is counted.
		logger.Error("persist job failed", zap.Error(err))
		out.Err = err
	}
	out.JobID = job.ID

	update, disabled := r.scheduleUpdate(s, status, errText, logger)
	out.NextRunAt = update.NextRunAt
	out.Disabled = disabled
	out.Retire = disabled
	if err := r.store.UpdateSchedule(ctx, s.ID, update); err != nil {
		out.Err = errors.Join(out.Err, fmt.Errorf("update schedule: %w", err))
		return out
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("attempts", attempts),
		zap.String("job_id", job.ID),
		zap.Duration("duration", r.clock.Now().Sub(started)),
	}
	if disabled {
		fields = append(fields, zap.Bool("disabled", true))
	}
	if status == schedule.JobStatusFailed {
		logger.Warn("firing completed with failure", append(fields, zap.String("error", errText))...)
	} else {
		logger.Info("firing completed", fields...)
	}
	r.announce(ctx, s, out, logger)
	return out
}

func (r *Runner) prepare(s schedule.Schedule, started time.Time) schedule.Firing {
	merged := schedule.MergeOptions(s.TemplateOptions(), s.Options)
	return schedule.Firing{
		ScheduleID: s.ID,
		Payload:    schedule.BuildPayload(s, merged),
		JobType:    schedule.ResolveJobType(s, merged),
		StartedAt:  started,
	}
}

// dispatch sends the firing to the fetch engine, retrying transport failures
// with exponential backoff. A received response, successful or not, ends the loop.
func (r *Runner) dispatch(
	ctx context.Context,
	firing *schedule.Firing,
	logger *zap.Logger,
) (schedule.FetchResult, int, error) {
	for attempt := 1; ; attempt++ {
		firing.Attempt = attempt
		result, err := r.fetcher.Dispatch(ctx, firing.JobType, firing.Payload)
		if err == nil {
			return result, attempt, nil
		}
		if ctx.Err() != nil || !r.policy.ShouldRetry(err, attempt) {
			return schedule.FetchResult{}, attempt, err
		}
		delay := r.policy.Backoff(attempt)
		logger.Warn("dispatch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if waitErr := r.sleep(ctx, delay); waitErr != nil {
			return schedule.FetchResult{}, attempt, errors.Join(err, waitErr)
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	timer := r.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return fmt.Errorf("retry wait: %w", ctx.Err())
	}
}

func classify(jobType schedule.JobType, result schedule.FetchResult, err error) (schedule.JobStatus, string) {
	if err != nil {
		return schedule.JobStatusFailed, err.Error()
	}
	if !result.Success {
		if result.Error != "" {
			return schedule.JobStatusFailed, result.Error
		}
		return schedule.JobStatusFailed, "fetch engine reported failure"
	}
	if jobType == schedule.JobTypeCrawl {
		return schedule.JobStatusRunning, ""
	}
	return schedule.JobStatusCompleted, ""
}

func (r *Runner) recordJob(
	ctx context.Context,
	s schedule.Schedule,
	firing schedule.Firing,
	status schedule.JobStatus,
	result schedule.FetchResult,
	errText string,
) (schedule.Job, error) {
	id, err := r.idGen.NewID()
	if err != nil {
		return schedule.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := r.clock.Now()
	url, _ := firing.Payload["url"].(string)
	job := schedule.Job{
		ID:         id,
		Type:       firing.JobType,
		URL:        url,
		Status:     status,
		Options:    firing.Payload,
		Result:     r.archiveResult(ctx, s.ID, id, result.Data),
		Error:      errText,
		ScheduleID: s.ID,
		CreatedAt:  now,
		StartedAt:  firing.StartedAt,
	}
	if status != schedule.JobStatusRunning {
		job.CompletedAt = &now
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return job, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// archiveResult returns the value stored in the job's result column. Upload
// failures fall back to keeping the data inline.
func (r *Runner) archiveResult(ctx context.Context, scheduleID, jobID string, data json.RawMessage) json.RawMessage {
	if r.archive == nil || len(data) == 0 {
		return data
	}
	key := path.Join(r.archivePrefix, scheduleID, jobID+".json")
	uri, err := r.archive.PutObject(ctx, key, "application/json", bytes.NewReader(data))
	if err != nil {
		r.logger.Warn("archive result failed, storing inline",
			zap.String("schedule_id", scheduleID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return data
	}
	ref, err := json.Marshal(map[string]any{"archive_uri": uri, "bytes": len(data)})
	if err != nil {
		return data
	}
	return ref
}

// scheduleUpdate builds the post-firing write and reports whether the
// schedule is being disabled.
func (r *Runner) scheduleUpdate(
	s schedule.Schedule,
	status schedule.JobStatus,
	errText string,
	logger *zap.Logger,
) (schedule.ScheduleUpdate, bool) {
	now := r.clock.Now()
	update := schedule.ScheduleUpdate{LastRunAt: now}

	next, err := schedule.NextRun(s, now, r.cfg.Location)
	if err != nil {
		logger.Warn("cannot compute next run", zap.Error(err))
	}
	update.NextRunAt = next

	if status == schedule.JobStatusFailed {
		update.FailureCountDelta = 1
		msg := errText
		update.LastError = &msg
	} else {
		update.RunCountDelta = 1
	}

	disable := false
	// The threshold compares the tally including this firing's failure.
	if status == schedule.JobStatusFailed && r.cfg.MaxFailuresBeforeDisable > 0 &&
		s.FailureCount+1 >= int64(r.cfg.MaxFailuresBeforeDisable) {
		logger.Warn("failure threshold reached, disabling schedule",
			zap.Int64("failure_count", s.FailureCount+1),
			zap.Int("max_failures", r.cfg.MaxFailuresBeforeDisable),
		)
		disable = true
	}
	if s.Type == schedule.TypeOneTime {
		disable = true
	}
	if disable {
		enabled := false
		update.Enabled = &enabled
		update.NextRunAt = nil
	}
	return update, disable
}

func (r *Runner) observe(ctx context.Context, scheduleType schedule.Type, out Outcome, started time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveExecution(scheduleType, out.Label(), r.clock.Now().Sub(started))
	if out.Aborted {
		return
	}
	active, err := r.store.CountActiveJobs(ctx)
	if err != nil {
		r.logger.Warn("count active jobs failed", zap.Error(err))
		return
	}
	r.metrics.SetActiveJobs(active)
}

func (r *Runner) announce(ctx context.Context, s schedule.Schedule, out Outcome, logger *zap.Logger) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"schedule_id":   s.ID,
		"schedule_type": string(s.Type),
		"job_id":        out.JobID,
		"status":        string(out.Status),
		"attempts":      out.Attempts,
		"disabled":      out.Disabled,
		"timestamp":     r.clock.Now().Format(time.RFC3339),
	}
	if out.NextRunAt != nil {
		payload["next_run_at"] = out.NextRunAt.Format(time.RFC3339)
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		logger.Warn("publish firing event failed", zap.Error(err))
	}
}
