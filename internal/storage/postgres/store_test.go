package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

var scheduleColumns = []string{
	"id", "name", "schedule_type", "cron_expression", "interval_seconds", "scheduled_at",
	"url", "job_type", "enabled", "last_run_at", "next_run_at", "run_count", "failure_count",
	"last_error", "options", "template_id", "name", "options",
}

func strPtr(s string) *string { return &s }

func TestFindScheduleByIDResolvesTemplate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	next := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	interval := int64(300)
	rows := pgxmock.NewRows(scheduleColumns).AddRow(
		"sched-1", "docs", "interval", (*string)(nil), &interval, (*time.Time)(nil),
		"https://docs.example.com", strPtr("crawl"), true, (*time.Time)(nil), &next, int64(4), int64(1),
		strPtr("timeout"), []byte(`{"crawlOptions":{"limit":5}}`), strPtr("tpl-1"), strPtr("defaults"),
		[]byte(`{"formats":["markdown"]}`),
	)
	mock.ExpectQuery(`FROM schedules s\s+LEFT JOIN schedule_templates t`).
		WithArgs("sched-1").
		WillReturnRows(rows)

	got, err := store.FindScheduleByID(context.Background(), "sched-1")
	require.NoError(t, err)
	require.Equal(t, schedule.TypeInterval, got.Type)
	require.Equal(t, int64(300), got.IntervalSeconds)
	require.Equal(t, schedule.JobTypeCrawl, got.JobType)
	require.Equal(t, next, *got.NextRunAt)
	require.Nil(t, got.LastRunAt)
	require.Equal(t, int64(4), got.RunCount)
	require.Equal(t, "timeout", got.LastError)
	require.Equal(t, map[string]any{"limit": float64(5)}, got.Options["crawlOptions"])
	require.NotNil(t, got.Template)
	require.Equal(t, "defaults", got.Template.Name)
	require.Equal(t, []any{"markdown"}, got.TemplateOptions()["formats"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindScheduleByIDNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err = store.FindScheduleByID(context.Background(), "missing")
	require.ErrorIs(t, err, schedule.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEnabledSchedules(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(scheduleColumns).
		AddRow("a", "daily", "cron", strPtr("0 9 * * *"), (*int64)(nil), (*time.Time)(nil),
			"https://example.com", (*string)(nil), true, (*time.Time)(nil), (*time.Time)(nil), int64(0), int64(0),
			(*string)(nil), []byte(`{}`), (*string)(nil), (*string)(nil), []byte(nil)).
		AddRow("b", "launch", "one-time", (*string)(nil), (*int64)(nil), &at,
			"https://example.com/launch", (*string)(nil), true, (*time.Time)(nil), &at, int64(0), int64(0),
			(*string)(nil), []byte(`{"mode":"scrape"}`), (*string)(nil), (*string)(nil), []byte(nil))
	mock.ExpectQuery(`WHERE s.enabled`).WillReturnRows(rows)

	got, err := store.ListEnabledSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "0 9 * * *", got[0].CronExpression)
	require.Nil(t, got[0].Template)
	require.Equal(t, schedule.TypeOneTime, got[1].Type)
	require.Equal(t, at, *got[1].ScheduledAt)
	require.Equal(t, "scrape", got[1].Options["mode"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEnabledSchedulesQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("conn closed"))
	_, err = store.ListEnabledSchedules(context.Background())
	require.ErrorContains(t, err, "list schedules: conn closed")
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := schedule.Job{
		ID:         "job-1",
		Type:       schedule.JobTypeScrape,
		URL:        "https://example.com",
		Status:     schedule.JobStatusCompleted,
		Options:    schedule.Options{"url": "https://example.com"},
		Result:     json.RawMessage(`{"markdown":"# hi"}`),
		ScheduleID: "sched-1",
		CreatedAt:  now,
		StartedAt:  now,
	}
	job.CompletedAt = &now

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job-1",
			"scrape",
			"https://example.com",
			"completed",
			[]byte(`{"url":"https://example.com"}`),
			[]byte(`{"markdown":"# hi"}`),
			(*string)(nil),
			strPtr("sched-1"),
			now,
			now,
			&now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	require.ErrorContains(t, store.CreateJob(context.Background(), schedule.Job{}), "job id is required")
}

func TestUpdateScheduleAppliesDeltas(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	ran := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	msg := "timeout"
	disabled := false
	update := schedule.ScheduleUpdate{
		LastRunAt:         ran,
		FailureCountDelta: 1,
		LastError:         &msg,
		Enabled:           &disabled,
	}
	mock.ExpectExec(`failure_count = failure_count \+ \$5`).
		WithArgs("sched-1", ran, pgxmock.AnyArg(), int64(0), int64(1), &msg, &disabled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateSchedule(context.Background(), "sched-1", update))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduleMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE schedules").
		WithArgs("gone", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateSchedule(context.Background(), "gone", schedule.ScheduleUpdate{RunCountDelta: 1})
	require.ErrorIs(t, err, schedule.ErrNotFound)
}

func TestCountActiveJobs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobs`).
		WithArgs("running").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.CountActiveJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("refused"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres: refused")
}

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), Config{})
	require.ErrorContains(t, err, "database.dsn is required")
	_, err = NewStoreWithPool(nil)
	require.ErrorContains(t, err, "pool is required")
}

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pgx5://u:p@db:5432/sched?sslmode=disable", migrationURL("postgres://u:p@db:5432/sched?sslmode=disable"))
	require.Equal(t, "pgx5://db/sched", migrationURL("postgresql://db/sched"))
	require.Equal(t, "pgx5://db/sched", migrationURL("pgx5://db/sched"))
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	t.Parallel()

	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	up, err := migrationFiles.ReadFile("migrations/000001_create_scheduler_tables.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS schedules")
}
