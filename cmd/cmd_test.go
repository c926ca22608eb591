package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestNextRunCron(t *testing.T) {
	t.Parallel()

	out, err := runRoot(t, "next-run", "--type", "cron", "--cron", "0 9 * * 1-5",
		"--from", "2024-01-05T10:00:00Z", "--count", "3")
	require.NoError(t, err)
	require.Equal(t, []string{
		"2024-01-08T09:00:00Z",
		"2024-01-09T09:00:00Z",
		"2024-01-10T09:00:00Z",
	}, strings.Fields(out))
}

func TestNextRunCronInTimezone(t *testing.T) {
	t.Parallel()

	out, err := runRoot(t, "next-run", "--cron", "0 9 * * *", "--timezone", "America/New_York",
		"--from", "2024-01-01T00:00:00Z", "--count", "1")
	require.NoError(t, err)
	require.Equal(t, "2024-01-01T09:00:00-05:00", strings.TrimSpace(out))
}

func TestNextRunInterval(t *testing.T) {
	t.Parallel()

	out, err := runRoot(t, "next-run", "--type", "interval", "--interval", "900",
		"--from", "2024-01-01T00:00:00Z", "--count", "2")
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-01T00:15:00Z", "2024-01-01T00:30:00Z"}, strings.Fields(out))
}

func TestNextRunOneTimeYieldsOnce(t *testing.T) {
	t.Parallel()

	out, err := runRoot(t, "next-run", "--type", "one-time", "--at", "2030-06-01T12:00:00Z", "--count", "4")
	require.NoError(t, err)
	require.Equal(t, []string{"2030-06-01T12:00:00Z"}, strings.Fields(out))
}

func TestNextRunErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad cron", []string{"--cron", "nope"}, "invalid cron expression"},
		{"bad interval", []string{"--type", "interval"}, "interval_seconds must be > 0"},
		{"missing at", []string{"--type", "one-time"}, "scheduled_at"},
		{"bad type", []string{"--type", "weekly"}, "unknown schedule type"},
		{"bad from", []string{"--cron", "* * * * *", "--from", "yesterday"}, "from:"},
		{"bad zone", []string{"--cron", "* * * * *", "--timezone", "Mars/Olympus"}, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := runRoot(t, append([]string{"next-run"}, tt.args...)...)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNextRunDefaultsToNow(t *testing.T) {
	t.Parallel()

	f := nextRunFlags{kind: "interval", interval: 60, timezone: "UTC"}
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s, from, loc, err := f.resolve(now)
	require.NoError(t, err)
	require.Equal(t, now, from)
	require.Equal(t, time.UTC, loc)
	require.Equal(t, int64(60), s.IntervalSeconds)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := runRoot(t, "migrate", "up")
	require.ErrorContains(t, err, "database.dsn is required")
	_, err = runRoot(t, "migrate", "down", "--steps", "2")
	require.ErrorContains(t, err, "database.dsn is required")
}
