package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/clock/fake"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/engine"
	memorypublisher "github.com/JakeFAU/crawl-scheduler/internal/publisher/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
	"github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

var epoch = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	store  *memory.Store
	engine *engine.Engine
	exec   *recordingExecutor
	server *Server
}

func newTestEnv(t *testing.T, cfg config.Config, opts ...Option) *testEnv {
	t.Helper()
	store := memory.NewStore()
	exec := &recordingExecutor{}
	eng := engine.New(engine.Config{MaxConcurrentJobs: 2}, store, exec, fake.New(epoch), zap.NewNop())
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return &testEnv{
		store:  store,
		engine: eng,
		exec:   exec,
		server: NewServer(store, eng, cfg, zap.NewNop(), opts...),
	}
}

func (e *testEnv) do(method, path string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "ready", body["status"])
	require.Equal(t, float64(0), body["active_jobs"])
}

func TestServer_ReadyReportsStoreFailure(t *testing.T) {
	t.Parallel()

	store := failingStore{err: errors.New("connection refused")}
	eng := engine.New(engine.Config{MaxConcurrentJobs: 1}, memory.NewStore(), &recordingExecutor{}, fake.New(epoch), nil)
	server := NewServer(store, eng, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unavailable")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_ReloadRegistersAndRemoves(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	sc := schedule.Schedule{ID: "docs", Type: schedule.TypeInterval, IntervalSeconds: 60, Enabled: true}
	require.NoError(t, env.store.PutSchedule(sc))

	rec := env.do(http.MethodPost, "/v1/schedules/docs/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "registered", body["status"])
	require.Equal(t, "2024-01-01T08:01:00Z", body["next_fire_at"])
	require.Equal(t, []string{"docs"}, env.engine.Registered())

	sc.Enabled = false
	require.NoError(t, env.store.PutSchedule(sc))
	rec = env.do(http.MethodPost, "/v1/schedules/docs/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "disabled", body["status"])
	require.Equal(t, true, body["removed"])
	require.Empty(t, env.engine.Registered())

	rec = env.do(http.MethodPost, "/v1/schedules/ghost/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "removed", body["status"])
	require.Equal(t, false, body["removed"])
}

func TestServer_ReloadRejectsBadDefinition(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.store.PutSchedule(schedule.Schedule{
		ID:             "broken",
		Type:           schedule.TypeCron,
		CronExpression: "every tuesday",
		Enabled:        true,
	}))

	rec := env.do(http.MethodPost, "/v1/schedules/broken/reload", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "broken")
	require.Empty(t, env.engine.Registered())
}

func TestServer_DeleteSchedule(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.engine.AddSchedule(schedule.Schedule{
		ID: "docs", Type: schedule.TypeInterval, IntervalSeconds: 60, Enabled: true,
	}))

	rec := env.do(http.MethodDelete, "/v1/schedules/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, env.engine.Registered())

	rec = env.do(http.MethodDelete, "/v1/schedules/docs", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RunScheduleNow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodPost, "/v1/schedules/docs/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "admitted", decode(t, rec)["admission"])
	require.Eventually(t, func() bool { return len(env.exec.runs()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"docs"}, env.exec.runs())

	require.NoError(t, env.engine.Stop(context.Background()))
	rec = env.do(http.MethodPost, "/v1/schedules/docs/run", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "dropped", decode(t, rec)["admission"])
}

func TestServer_PreviewSchedule(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	body := []byte(`{
		"schedule": {"id": "p", "schedule_type": "cron", "cron_expression": "0 9 * * *"},
		"from": "2024-01-01T08:00:00Z",
		"count": 3
	}`)
	rec := env.do(http.MethodPost, "/v1/schedules/preview", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{
		"2024-01-01T09:00:00Z",
		"2024-01-02T09:00:00Z",
		"2024-01-03T09:00:00Z",
	}, decode(t, rec)["upcoming"])

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{`, "invalid JSON"},
		{"bad cron", `{"schedule":{"schedule_type":"cron","cron_expression":"nope"}}`, "cron"},
		{"too many", `{"schedule":{"schedule_type":"interval","interval_seconds":5},"count":101}`, "count must be"},
	}
	for _, tt := range tests {
		rec := env.do(http.MethodPost, "/v1/schedules/preview", []byte(tt.body))
		require.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
		require.Contains(t, rec.Body.String(), tt.want, tt.name)
	}
}

func TestServer_EngineStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.engine.AddSchedule(schedule.Schedule{
		ID: "docs", Type: schedule.TypeInterval, IntervalSeconds: 300, Enabled: true,
	}))

	rec := env.do(http.MethodGet, "/v1/engine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, float64(1), body["registered"])
	require.Equal(t, float64(0), body["active"])
	require.Equal(t, []any{}, body["waiting"])
	schedules, ok := body["schedules"].([]any)
	require.True(t, ok)
	require.Len(t, schedules, 1)
	require.Equal(t, map[string]any{"id": "docs", "next_fire_at": "2024-01-01T08:05:00Z"}, schedules[0])
}

func TestServer_Events(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	pub := memorypublisher.New(10)
	_, err := pub.Publish(context.Background(), "schedule-firings", map[string]any{"schedule_id": "docs"})
	require.NoError(t, err)
	env = newTestEnv(t, config.Config{}, WithEventLog(pub))
	rec = env.do(http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"topic":"schedule-firings"`)
	require.Contains(t, rec.Body.String(), `"schedule_id":"docs"`)
}

func TestServer_APIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/engine", nil).Code)
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/engine", nil, "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/engine", nil, "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/engine?api_key=secret", nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodGet, "/healthz", nil, "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

type recordingExecutor struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingExecutor) Run(_ context.Context, id string) worker.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return worker.Outcome{ScheduleID: id, Status: schedule.JobStatusCompleted}
}

func (r *recordingExecutor) runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type failingStore struct {
	err error
}

func (f failingStore) FindScheduleByID(context.Context, string) (schedule.Schedule, error) {
	return schedule.Schedule{}, f.err
}

func (f failingStore) CountActiveJobs(context.Context) (int, error) {
	return 0, f.err
}
