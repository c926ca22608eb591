package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestNextRunCronDaily(t *testing.T) {
	t.Parallel()

	s := Schedule{Type: TypeCron, CronExpression: "0 9 * * *"}

	tests := []struct {
		name string
		from string
		want string
	}{
		{name: "before match same day", from: "2024-01-01T08:00:00Z", want: "2024-01-01T09:00:00Z"},
		{name: "after match rolls to next day", from: "2024-01-01T09:30:00Z", want: "2024-01-02T09:00:00Z"},
		{name: "exactly on match is strictly after", from: "2024-01-01T09:00:00Z", want: "2024-01-02T09:00:00Z"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextRun(s, mustTime(t, tc.from), time.UTC)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.True(t, got.Equal(mustTime(t, tc.want)), "got %s", got)
		})
	}
}

func TestNextRunCronHonorsLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	s := Schedule{Type: TypeCron, CronExpression: "0 9 * * *"}

	got, err := NextRun(s, mustTime(t, "2024-01-01T06:00:00Z"), loc)
	require.NoError(t, err)
	require.True(t, got.Equal(mustTime(t, "2024-01-01T07:00:00Z")), "got %s", got)
	require.Equal(t, time.UTC, got.Location())
}

func TestNextRunCronDescriptor(t *testing.T) {
	t.Parallel()

	s := Schedule{Type: TypeCron, CronExpression: "@hourly"}
	got, err := NextRun(s, mustTime(t, "2024-03-10T10:15:00Z"), nil)
	require.NoError(t, err)
	require.True(t, got.Equal(mustTime(t, "2024-03-10T11:00:00Z")))
}

func TestNextRunCronInvalid(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * * * *"} {
		got, err := NextRun(Schedule{Type: TypeCron, CronExpression: expr}, time.Now(), time.UTC)
		require.ErrorIs(t, err, ErrInvalidCron, expr)
		require.Nil(t, got)
	}
}

func TestNextRunInterval(t *testing.T) {
	t.Parallel()

	from := mustTime(t, "2024-05-01T12:00:00Z").Add(123 * time.Millisecond)
	got, err := NextRun(Schedule{Type: TypeInterval, IntervalSeconds: 90}, from, time.UTC)
	require.NoError(t, err)
	require.Equal(t, from.Add(90_000*time.Millisecond), *got)

	got, err = NextRun(Schedule{Type: TypeInterval}, from, time.UTC)
	require.ErrorIs(t, err, ErrInvalidInterval)
	require.Nil(t, got)
}

func TestNextRunOneTimeIgnoresFrom(t *testing.T) {
	t.Parallel()

	at := mustTime(t, "2024-06-01T00:00:00Z")
	s := Schedule{Type: TypeOneTime, ScheduledAt: &at}

	for _, from := range []string{"2023-01-01T00:00:00Z", "2025-01-01T00:00:00Z"} {
		got, err := NextRun(s, mustTime(t, from), time.UTC)
		require.NoError(t, err)
		require.Equal(t, at, *got)
		require.NotSame(t, s.ScheduledAt, got)
	}

	got, err := NextRun(Schedule{Type: TypeOneTime}, at, time.UTC)
	require.ErrorIs(t, err, ErrMissingTarget)
	require.Nil(t, got)
}

func TestNextRunUnknownType(t *testing.T) {
	t.Parallel()

	got, err := NextRun(Schedule{Type: "weekly"}, time.Now(), time.UTC)
	require.ErrorIs(t, err, ErrUnknownType)
	require.Nil(t, got)
}

func TestUpcoming(t *testing.T) {
	t.Parallel()

	from := mustTime(t, "2024-01-01T00:00:00Z")
	got, err := Upcoming(Schedule{Type: TypeCron, CronExpression: "*/15 * * * *"}, from, time.UTC, 3)
	require.NoError(t, err)
	require.Equal(t, []time.Time{
		mustTime(t, "2024-01-01T00:15:00Z"),
		mustTime(t, "2024-01-01T00:30:00Z"),
		mustTime(t, "2024-01-01T00:45:00Z"),
	}, got)

	at := from.Add(time.Hour)
	got, err = Upcoming(Schedule{Type: TypeOneTime, ScheduledAt: &at}, from, time.UTC, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = Upcoming(Schedule{Type: TypeInterval, IntervalSeconds: 60}, from, time.UTC, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
