package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scriptcron/internal/core"
	"scriptcron/internal/service"
	"scriptcron/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateExecutor blocks every execution until release is closed.
type gateExecutor struct {
	release chan struct{}
	once    sync.Once
}

func (g *gateExecutor) Execute(ctx context.Context, task *core.Task, executionID string) *core.ExecutionResult {
	select {
	case <-g.release:
		return &core.ExecutionResult{Success: true, Stdout: "ok", Duration: time.Millisecond}
	case <-ctx.Done():
		return &core.ExecutionResult{ExitCode: -1, Err: core.ErrCancelled, Error: "execution cancelled"}
	}
}

func (g *gateExecutor) Cancel(string) bool { return false }

func (g *gateExecutor) open() { g.once.Do(func() { close(g.release) }) }

type testEnv struct {
	server    *Server
	scheduler *core.Scheduler
	gate      *gateExecutor
	logsDir   string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "api.db"))
	require.NoError(t, err)

	gate := &gateExecutor{release: make(chan struct{})}
	sched := core.NewScheduler(st, gate, nil, core.SchedulerConfig{Location: time.UTC})
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() {
		gate.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx, true)
		_ = st.Close()
	})

	logsDir := filepath.Join(dir, "logs")
	svc := service.New(st, sched, service.Paths{ScriptsDir: filepath.Join(dir, "scripts"), ScriptLogsDir: logsDir}, nil)
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{server: NewServer(opts, svc, logger), scheduler: sched, gate: gate, logsDir: logsDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]errorBody](t, rec)["error"].Code
}

func createBody(id string) map[string]any {
	return map[string]any{
		"id":              id,
		"name":            "job " + id,
		"script_path":     "job.sh",
		"trigger_type":    "cron",
		"cron_expression": "0 3 * * *",
		"arguments":       []string{"--fast"},
	}
}

func TestHealthAndPing(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pong":true}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[service.Health](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.SchedulerRunning)

	require.NoError(t, env.scheduler.Shutdown(context.Background(), true))
	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateGetListTask(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/tasks", createBody("backup"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody[taskResponse](t, rec)
	assert.Equal(t, "backup", created.ID)
	assert.Equal(t, []string{"--fast"}, created.Arguments)
	assert.Equal(t, map[string]string{}, created.Environment)
	require.NotNil(t, created.NextRunTime)
	next, err := time.Parse(time.RFC3339, *created.NextRunTime)
	require.NoError(t, err)
	assert.Equal(t, 3, next.UTC().Hour())

	rec = env.do(t, http.MethodGet, "/api/tasks/backup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job backup", decodeBody[taskResponse](t, rec).Name)

	rec = env.do(t, http.MethodGet, "/api/tasks?keyword=backup&enabled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]taskResponse](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/tasks?enabled=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/tasks", createBody("backup"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorCode(t, rec))
}

func TestCreateTaskErrors(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/tasks", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", errorCode(t, rec))

	body := createBody("bad")
	body["cron_expression"] = "* * *"
	rec = env.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := decodeBody[map[string]errorBody](t, rec)["error"]
	assert.Equal(t, "invalid_trigger", errBody.Code)
	assert.Equal(t, "cron", errBody.Details["trigger_type"])

	body = createBody("noname")
	delete(body, "name")
	rec = env.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errBody = decodeBody[map[string]errorBody](t, rec)["error"]
	assert.Equal(t, "validation_error", errBody.Code)
	assert.Equal(t, "name", errBody.Details["field"])
}

func TestTaskNotFoundRoutes(t *testing.T) {
	env := newTestEnv(t, Options{})
	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/tasks/ghost", nil},
		{http.MethodPut, "/api/tasks/ghost", map[string]any{"name": "x"}},
		{http.MethodDelete, "/api/tasks/ghost", nil},
		{http.MethodPost, "/api/tasks/ghost/pause", nil},
		{http.MethodPost, "/api/tasks/ghost/resume", nil},
		{http.MethodPost, "/api/tasks/ghost/cancel", nil},
		{http.MethodPost, "/api/tasks/ghost/run", nil},
		{http.MethodPost, "/api/tasks/run/ghost", nil},
		{http.MethodPost, "/api/tasks/execute", map[string]any{"task_id": "ghost"}},
		{http.MethodGet, "/api/tasks/ghost/next-run", nil},
		{http.MethodGet, "/api/tasks/ghost/log", nil},
		{http.MethodGet, "/api/executions/ghost", nil},
	}
	for _, tt := range tests {
		rec := env.do(t, tt.method, tt.path, tt.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tt.method, tt.path)
		assert.Equal(t, "not_found", errorCode(t, rec), "%s %s", tt.method, tt.path)
	}
}

func TestPauseResumeDelete(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/tasks", createBody("t")).Code)

	rec := env.do(t, http.MethodPost, "/api/tasks/t/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/tasks/t/next-run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/tasks/t/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody[map[string]any](t, rec), "next_run_time")
	rec = env.do(t, http.MethodGet, "/api/tasks/t/next-run", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/tasks/t", map[string]any{"interval_seconds": 0})
	assert.Equal(t, http.StatusOK, rec.Code, "interval is ignored for a cron task")

	rec = env.do(t, http.MethodDelete, "/api/tasks/t", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/tasks/t", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/tasks?include_deleted=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeBody[[]taskResponse](t, rec)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Deleted)

	rec = env.do(t, http.MethodPost, "/api/tasks/t/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[taskResponse](t, rec).Deleted)
}

func TestRunTaskConflictAndExecutions(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/tasks", createBody("t")).Code)

	rec := env.do(t, http.MethodPost, "/api/tasks/execute", map[string]any{"task_id": "t"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "started", decodeBody[map[string]any](t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/api/tasks/t/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/scheduler/running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	running := decodeBody[[]runningResponse](t, rec)
	require.Len(t, running, 1)
	assert.Equal(t, "t", running[0].TaskID)

	env.gate.open()
	var executions []executionResponse
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/tasks/t/executions?status=success", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		executions = decodeBody[[]executionResponse](t, rec)
		return len(executions) == 1
	}, 5*time.Second, 20*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/executions/"+executions[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[executionResponse](t, rec)
	assert.Equal(t, core.ExecutionSuccess, got.Status)
	assert.NotNil(t, got.EndTime)

	rec = env.do(t, http.MethodGet, "/api/tasks/t/executions?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/tasks/execute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunTaskWhenSchedulerStopped(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/tasks", createBody("t")).Code)
	require.NoError(t, env.scheduler.Shutdown(context.Background(), true))

	rec := env.do(t, http.MethodPost, "/api/tasks/t/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", errorCode(t, rec))
}

func TestTriggerPreview(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/triggers/preview", map[string]any{
		"trigger_type":     "interval",
		"interval_seconds": 90,
		"count":            3,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ok := decodeBody[triggerPreviewResponse](t, rec)
	assert.True(t, ok.Valid)
	assert.Len(t, ok.NextTimes, 3)

	rec = env.do(t, http.MethodPost, "/api/triggers/preview", map[string]any{
		"trigger_type":    "cron",
		"cron_expression": "nope",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	bad := decodeBody[triggerPreviewResponse](t, rec)
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Message)
}

func TestTaskLog(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/tasks", createBody("t")).Code)

	rec := env.do(t, http.MethodGet, "/api/tasks/t/log", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no transcript yet")

	path := core.ScriptLogPath(env.logsDir, "job.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	rec = env.do(t, http.MethodGet, "/api/tasks/t/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one\ntwo\nthree\n", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/tasks/t/log?tail=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "two\nthree\n", rec.Body.String())
}

func TestAuthToken(t *testing.T) {
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	env := newTestEnv(t, Options{AuthToken: "s3cret", MCPHandler: mcp})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code, "health is public")

	rec := env.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/tasks", nil, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks", nil, "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks?token=s3cret", nil).Code)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/mcp", nil).Code)
	assert.Equal(t, http.StatusTeapot, env.do(t, http.MethodPost, "/mcp", nil, "Authorization", "Bearer s3cret").Code)
}

func TestEmptyPrefixMountsAtRoot(t *testing.T) {
	env := newTestEnv(t, Options{APIPrefix: "/"})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/tasks", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/scheduler/jobs", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/tasks", nil).Code)
}

func TestReadTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc"), 0o644))

	for _, tt := range []struct {
		tail int
		want string
	}{
		{0, "a\nb\nc"},
		{1, "c\n"},
		{5, "a\nb\nc\n"},
	} {
		f, err := os.Open(path)
		require.NoError(t, err)
		data, err := readTailLines(f, tt.tail)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(data), "tail=%d", tt.tail)
	}
}

func TestFollowFileStreamsAppendedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "follow.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var (
		mu      sync.Mutex
		got     bytes.Buffer
		running = true
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		followFile(context.Background(), file, func(chunk []byte) {
			mu.Lock()
			got.Write(chunk)
			mu.Unlock()
		}, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return running
		})
	}()

	// Let followFile record the starting offset before appending.
	time.Sleep(100 * time.Millisecond)
	w, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = w.WriteString("new line\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.String() == "new line\n"
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	running = false
	mu.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("followFile did not stop after the task finished")
	}
}
