// Package memory provides an in-memory schedule store for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

// Store implements schedule.Store without persistence.
type Store struct {
	mu        sync.RWMutex
	schedules map[string]schedule.Schedule
	templates map[string]schedule.Template
	jobs      map[string]schedule.Job
	order     []string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		schedules: make(map[string]schedule.Schedule),
		templates: make(map[string]schedule.Template),
		jobs:      make(map[string]schedule.Job),
	}
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(t schedule.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Options = t.Options.Clone()
	s.templates[t.ID] = t
}

// PutSchedule inserts or replaces a schedule definition.
func (s *Store) PutSchedule(sc schedule.Schedule) error {
	if sc.ID == "" {
		return errors.New("schedule id is required")
	}
	if !sc.Type.Valid() {
		return fmt.Errorf("%w %q", schedule.ErrUnknownType, sc.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Options = sc.Options.Clone()
	sc.Template = nil
	s.schedules[sc.ID] = sc
	return nil
}

// DeleteSchedule removes a schedule. Jobs it produced are kept.
func (s *Store) DeleteSchedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return false
	}
	delete(s.schedules, id)
	return true
}

// FindScheduleByID returns the schedule with its template resolved.
func (s *Store) FindScheduleByID(_ context.Context, id string) (schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	return s.resolveLocked(sc), nil
}

// ListEnabledSchedules returns enabled schedules ordered by ID.
func (s *Store) ListEnabledSchedules(_ context.Context) ([]schedule.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		if sc.Enabled {
			out = append(out, s.resolveLocked(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateJob stores a job row.
func (s *Store) CreateJob(_ context.Context, job schedule.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	job.Options = job.Options.Clone()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return nil
}

// UpdateSchedule applies a post-firing update.
func (s *Store) UpdateSchedule(_ context.Context, id string, update schedule.ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	lastRun := update.LastRunAt
	sc.LastRunAt = &lastRun
	sc.NextRunAt = copyTime(update.NextRunAt)
	sc.RunCount += update.RunCountDelta
	sc.FailureCount += update.FailureCountDelta
	if update.LastError != nil {
		sc.LastError = *update.LastError
	}
	if update.Enabled != nil {
		sc.Enabled = *update.Enabled
	}
	s.schedules[id] = sc
	return nil
}

// CountActiveJobs counts jobs still running on the fetch engine.
func (s *Store) CountActiveJobs(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == schedule.JobStatusRunning {
			n++
		}
	}
	return n, nil
}

// Jobs returns every stored job in creation order.
func (s *Store) Jobs() []schedule.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schedule.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id])
	}
	return out
}

// JobsForSchedule returns the jobs produced by one schedule in creation order.
func (s *Store) JobsForSchedule(scheduleID string) []schedule.Job {
	var out []schedule.Job
	for _, job := range s.Jobs() {
		if job.ScheduleID == scheduleID {
			out = append(out, job)
		}
	}
	return out
}

func (s *Store) resolveLocked(sc schedule.Schedule) schedule.Schedule {
	sc.Options = sc.Options.Clone()
	if sc.TemplateID == "" {
		return sc
	}
	if t, ok := s.templates[sc.TemplateID]; ok {
		t.Options = t.Options.Clone()
		sc.Template = &t
	}
	return sc
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
