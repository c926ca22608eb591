// Package postgres provides the Postgres-backed schedule store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements schedule.Store on Postgres.
type Store struct {
	pool pool
}

// NewStore connects to Postgres using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const selectSchedule = `
SELECT
	s.id,
	s.name,
	s.schedule_type,
	s.cron_expression,
	s.interval_seconds,
	s.scheduled_at,
	s.url,
	s.job_type,
	s.enabled,
	s.last_run_at,
	s.next_run_at,
	s.run_count,
	s.failure_count,
	s.last_error,
	s.options,
	s.template_id,
	t.name,
	t.options
FROM schedules s
LEFT JOIN schedule_templates t ON t.id = s.template_id`

// FindScheduleByID loads one schedule with its template.
func (s *Store) FindScheduleByID(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx, selectSchedule+"\nWHERE s.id = $1", id)
	sc, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
		}
		return schedule.Schedule{}, fmt.Errorf("select schedule: %w", err)
	}
	return sc, nil
}

// ListEnabledSchedules loads every enabled schedule.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx, selectSchedule+"\nWHERE s.enabled\nORDER BY s.id")
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job schedule.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	options, err := marshalOptions(job.Options)
	if err != nil {
		return err
	}
	var result []byte
	if len(job.Result) > 0 {
		result = job.Result
	}
	query := `
INSERT INTO jobs (
	id,
	job_type,
	url,
	status,
	options,
	result,
	error,
	schedule_id,
	created_at,
	started_at,
	completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`
	args := []any{
		job.ID,
		string(job.Type),
		job.URL,
		string(job.Status),
		options,
		result,
		nullString(job.Error),
		nullString(job.ScheduleID),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateSchedule applies a post-firing update. Counters are incremented in
// SQL so concurrent edits to other columns are not overwritten.
func (s *Store) UpdateSchedule(ctx context.Context, id string, update schedule.ScheduleUpdate) error {
	query := `
UPDATE schedules SET
	last_run_at = $2,
	next_run_at = $3,
	run_count = run_count + $4,
	failure_count = failure_count + $5,
	last_error = COALESCE($6, last_error),
	enabled = COALESCE($7, enabled),
	updated_at = NOW()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		id,
		update.LastRunAt,
		update.NextRunAt,
		update.RunCountDelta,
		update.FailureCountDelta,
		update.LastError,
		update.Enabled,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	return nil
}

// CountActiveJobs counts jobs the fetch engine is still working on.
func (s *Store) CountActiveJobs(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`,
		string(schedule.JobStatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func scanSchedule(row pgx.Row) (schedule.Schedule, error) {
	var (
		sc              schedule.Schedule
		scheduleType    string
		cronExpression  *string
		intervalSeconds *int64
		jobType         *string
		lastError       *string
		options         []byte
		templateID      *string
		templateName    *string
		templateOptions []byte
	)
	err := row.Scan(
		&sc.ID,
		&sc.Name,
		&scheduleType,
		&cronExpression,
		&intervalSeconds,
		&sc.ScheduledAt,
		&sc.URL,
		&jobType,
		&sc.Enabled,
		&sc.LastRunAt,
		&sc.NextRunAt,
		&sc.RunCount,
		&sc.FailureCount,
		&lastError,
		&options,
		&templateID,
		&templateName,
		&templateOptions,
	)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.Type = schedule.Type(scheduleType)
	sc.CronExpression = deref(cronExpression)
	if intervalSeconds != nil {
		sc.IntervalSeconds = *intervalSeconds
	}
	sc.JobType = schedule.JobType(deref(jobType))
	sc.LastError = deref(lastError)
	if sc.Options, err = unmarshalOptions(options); err != nil {
		return schedule.Schedule{}, fmt.Errorf("schedule %s options: %w", sc.ID, err)
	}
	if templateID != nil {
		sc.TemplateID = *templateID
		tplOptions, err := unmarshalOptions(templateOptions)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("template %s options: %w", sc.TemplateID, err)
		}
		sc.Template = &schedule.Template{
			ID:      sc.TemplateID,
			Name:    deref(templateName),
			Options: tplOptions,
		}
	}
	return sc, nil
}

func marshalOptions(opts schedule.Options) ([]byte, error) {
	if opts == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	return b, nil
}

func unmarshalOptions(b []byte) (schedule.Options, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var opts schedule.Options
	if err := json.Unmarshal(b, &opts); err != nil {
		return nil, err
	}
	return opts, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
