// Package engine owns the registry of live schedule timers. It turns schedule
// definitions into timers, feeds firings through the execution gate and
// retires timers when the runner reports a schedule as finished.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/dispatcher"
	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// ErrStopped is returned when schedules are added after Stop.
var ErrStopped = errors.New("engine stopped")

// Executor performs one firing. worker.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, scheduleID string) worker.Outcome
}

// Config controls Engine behavior.
type Config struct {
	MaxConcurrentJobs int
	Location          *time.Location
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Registered int      `json:"registered"`
	Active     int      `json:"active"`
	Queued     int      `json:"queued"`
	Waiting    []string `json:"waiting"`
}

// Engine is the schedule registry plus its execution gate.
type Engine struct {
	mu      sync.Mutex
	tasks   map[string]*task
	gen     uint64
	stopped bool

	store   schedule.Store
	runner  Executor
	clock   schedule.Clock
	gate    *dispatcher.Gate
	metrics schedule.Metrics
	loc     *time.Location
	logger  *zap.Logger
}

type task struct {
	id       string
	kind     schedule.Type
	gen      uint64
	timer    schedule.Timer
	interval time.Duration
	cron     cron.Schedule
	nextAt   time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics reports the registry size to m.
func WithMetrics(m schedule.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New constructs an Engine. Nothing is armed until Start or AddSchedule.
func New(
	cfg Config,
	store schedule.Store,
	runner Executor,
	clock schedule.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &Engine{
		tasks:   make(map[string]*task),
		store:   store,
		runner:  runner,
		clock:   clock,
		metrics: nopMetrics{},
		loc:     cfg.Location,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gate = dispatcher.New(cfg.MaxConcurrentJobs, e.execute, logger.Named("gate"))
	return e
}

// Start registers every enabled schedule. Definitions that cannot be armed
// are logged and skipped.
func (e *Engine) Start(ctx context.Context) error {
	schedules, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled schedules: %w", err)
	}
	skipped := 0
	for _, s := range schedules {
		if err := e.AddSchedule(s); err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			skipped++
		}
	}
	e.logger.Info("scheduler initialized",
		zap.Int("loaded", len(schedules)),
		zap.Int("registered", len(schedules)-skipped),
		zap.Int("skipped", skipped),
	)
	return nil
}

// Stop cancels every timer, clears the registry and waits for in-flight
// firings. When ctx expires first their contexts are canceled.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	for id, t := range e.tasks {
		stopTimer(t)
		delete(e.tasks, id)
	}
	e.mu.Unlock()
	e.metrics.SetSchedules(0)
	e.gate.Close()
	return e.gate.Wait(ctx)
}

// AddSchedule arms a timer for s, replacing any existing one. Disabled
// schedules are ignored.
func (e *Engine) AddSchedule(s schedule.Schedule) error {
	if !s.Enabled {
		return nil
	}
	logger := e.logger.With(
		zap.String("schedule_id", s.ID),
		zap.String("schedule_type", string(s.Type)),
	)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.removeLocked(s.ID)
	e.gen++
	t := &task{id: s.ID, kind: s.Type, gen: e.gen}
	delay, err := e.initialDelay(t, s)
	if err != nil {
		e.mu.Unlock()
		logger.Error("cannot register schedule", zap.Error(err))
		e.reportSize()
		return fmt.Errorf("register schedule %s: %w", s.ID, err)
	}
	e.armLocked(t, delay)
	e.tasks[s.ID] = t
	nextAt := t.nextAt
	e.mu.Unlock()

	e.reportSize()
	logger.Info("schedule registered", zap.Time("next_fire", nextAt))
	return nil
}

// RemoveSchedule cancels the timer for id and purges it from the wait queue.
// It reports whether a timer was registered.
func (e *Engine) RemoveSchedule(id string) bool {
	e.mu.Lock()
	removed := e.removeLocked(id)
	e.mu.Unlock()
	e.gate.Remove(id)
	if removed {
		e.reportSize()
		e.logger.Info("schedule removed", zap.String("schedule_id", id))
	}
	return removed
}

// UpdateSchedule re-registers s from scratch.
func (e *Engine) UpdateSchedule(s schedule.Schedule) error {
	e.RemoveSchedule(s.ID)
	return e.AddSchedule(s)
}

// RequestExecution asks the gate to fire id now, outside its timer.
func (e *Engine) RequestExecution(id string) dispatcher.Admission {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return dispatcher.Dropped
	}
	return e.gate.Request(id)
}

// CalculateNextRun returns when s would fire next after from, or nil for
// definitions that can never fire. A zero from means now.
func (e *Engine) CalculateNextRun(s schedule.Schedule, from time.Time) *time.Time {
	if from.IsZero() {
		from = e.clock.Now()
	}
	next, err := schedule.NextRun(s, from, e.loc)
	if err != nil {
		e.logger.Warn("cannot compute next run",
			zap.String("schedule_id", s.ID),
			zap.Error(err),
		)
		return nil
	}
	return next
}

// Preview lists up to n upcoming firings of s after from.
func (e *Engine) Preview(s schedule.Schedule, from time.Time, n int) ([]time.Time, error) {
	if from.IsZero() {
		from = e.clock.Now()
	}
	return schedule.Upcoming(s, from, e.loc, n)
}

// Registered returns the IDs of armed schedules in sorted order.
func (e *Engine) Registered() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextFire returns the instant the timer for id is armed for.
func (e *Engine) NextFire(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok || t.timer == nil {
		return time.Time{}, false
	}
	return t.nextAt, true
}

// Stats reports registry and gate sizes.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	registered := len(e.tasks)
	e.mu.Unlock()
	return Stats{
		Registered: registered,
		Active:     e.gate.Active(),
		Queued:     e.gate.Queued(),
		Waiting:    e.gate.Waiting(),
	}
}

func (e *Engine) initialDelay(t *task, s schedule.Schedule) (time.Duration, error) {
	now := e.clock.Now()
	switch s.Type {
	case schedule.TypeCron:
		sched, err := schedule.ParseCron(s.CronExpression)
		if err != nil {
			return 0, err
		}
		next, err := schedule.NextCron(sched, now, e.loc)
		if err != nil {
			return 0, err
		}
		t.cron = sched
		return next.Sub(now), nil
	case schedule.TypeInterval:
		if s.IntervalSeconds <= 0 {
			return 0, schedule.ErrInvalidInterval
		}
		t.interval = time.Duration(s.IntervalSeconds) * time.Second
		if s.NextRunAt == nil {
			return t.interval, nil
		}
		return nonNegative(s.NextRunAt.Sub(now)), nil
	case schedule.TypeOneTime:
		target := s.ScheduledAt
		if target == nil {
			target = s.NextRunAt
		}
		if target == nil {
			return 0, schedule.ErrMissingTarget
		}
		return nonNegative(target.Sub(now)), nil
	default:
		return 0, fmt.Errorf("%w %q", schedule.ErrUnknownType, s.Type)
	}
}

func (e *Engine) armLocked(t *task, delay time.Duration) {
	id, gen := t.id, t.gen
	t.nextAt = e.clock.Now().Add(delay)
	t.timer = e.clock.AfterFunc(delay, func() { e.fire(id, gen) })
}

// fire runs on timer expiry. It re-arms recurring tasks before asking the
// gate for admission so a slow firing never delays the next trigger.
func (e *Engine) fire(id string, gen uint64) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || t.gen != gen || e.stopped {
		e.mu.Unlock()
		return
	}
	switch t.kind {
	case schedule.TypeCron:
		now := e.clock.Now()
		from := now
		if t.nextAt.After(from) {
			from = t.nextAt
		}
		next, err := schedule.NextCron(t.cron, from, e.loc)
		if err != nil {
			t.timer = nil
			e.logger.Error("cron schedule has no further matches",
				zap.String("schedule_id", id),
				zap.Error(err),
			)
			break
		}
		e.armLocked(t, next.Sub(now))
	case schedule.TypeInterval:
		e.armLocked(t, t.interval)
	default:
		t.timer = nil
	}
	oneTime := t.kind == schedule.TypeOneTime
	e.mu.Unlock()

	admission := e.gate.Request(id)
	e.logger.Debug("schedule fired",
		zap.String("schedule_id", id),
		zap.String("admission", admission.String()),
	)
	// A dropped one-time trigger has no timer left and no firing of its own
	// to retire it.
	if oneTime && admission == dispatcher.Dropped && e.retire(id, gen) {
		e.logger.Info("schedule retired",
			zap.String("schedule_id", id),
			zap.String("reason", "one-time trigger dropped"),
		)
	}
}

// execute is the gate's run function.
func (e *Engine) execute(ctx context.Context, id string) {
	e.mu.Lock()
	var gen uint64
	oneTime := false
	if t, ok := e.tasks[id]; ok {
		gen = t.gen
		oneTime = t.kind == schedule.TypeOneTime
	}
	e.mu.Unlock()

	out := e.runner.Run(ctx, id)
	if !out.Retire && !oneTime {
		return
	}
	if e.retire(id, gen) {
		e.logger.Info("schedule retired",
			zap.String("schedule_id", id),
			zap.Bool("disabled", out.Disabled),
			zap.Bool("aborted", out.Aborted),
		)
	}
}

// retire removes id only while the registry still holds the task generation
// that was live when the firing started, so a re-registration made during the
// firing survives.
func (e *Engine) retire(id string, gen uint64) bool {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || t.gen != gen {
		e.mu.Unlock()
		return false
	}
	stopTimer(t)
	delete(e.tasks, id)
	e.mu.Unlock()
	e.gate.Remove(id)
	e.reportSize()
	return true
}

func (e *Engine) removeLocked(id string) bool {
	t, ok := e.tasks[id]
	if !ok {
		return false
	}
	stopTimer(t)
	delete(e.tasks, id)
	return true
}

func (e *Engine) reportSize() {
	e.mu.Lock()
	n := len(e.tasks)
	e.mu.Unlock()
	e.metrics.SetSchedules(n)
}

func stopTimer(t *task) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type nopMetrics struct{}

func (nopMetrics) ObserveExecution(schedule.Type, string, time.Duration) {}
func (nopMetrics) SetActiveJobs(int)                                     {}
func (nopMetrics) SetSchedules(int)                                      {}
