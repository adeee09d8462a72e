//go:build !windows

package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig) *ProcessExecutor {
	t.Helper()
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = t.TempDir()
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 200 * time.Millisecond
	}
	return NewProcessExecutor(cfg, nil)
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	writeScript(t, e.ScriptsDir(), "hello.sh", "echo hello\necho \"$1-$2\"\n")

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "hello.sh", Arguments: []string{"a", "b c"}}, "t1_1")
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\na-b c\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, ExecutionSuccess, res.Status())
	assert.Positive(t, res.Duration)
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	writeScript(t, e.ScriptsDir(), "fail.sh", "echo partial\necho boom >&2\nexit 3\n")

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "fail.sh"}, "t1_1")
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, ExecutionFailed, res.Status())
}

func TestExecuteNonZeroExitWithoutStderr(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	writeScript(t, e.ScriptsDir(), "quiet.sh", "exit 7\n")

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "quiet.sh"}, "t1_1")
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "process exited with code 7", res.Error)
}

func TestExecuteScriptNotFound(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "missing.sh"}, "t1_1")
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.ErrorIs(t, res.Err, ErrScriptNotFound)
	assert.Equal(t, ExecutionFailed, res.Status())
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	dir := t.TempDir()
	marker := filepath.Join(dir, "finished")
	writeScript(t, e.ScriptsDir(), "slow.sh", "sleep 5\ntouch "+marker+"\n")

	start := time.Now()
	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "slow.sh", TimeoutSeconds: 1}, "t1_1")
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, ExecutionTimeout, res.Status())
	assert.Equal(t, "execution timed out after 1 seconds", res.Error)
	assert.Equal(t, -1, res.ExitCode)

	time.Sleep(5 * time.Second)
	assert.NoFileExists(t, marker, "script must not keep running after a timeout")
}

func TestExecuteTimeoutEscalatesToKill(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{KillGrace: 300 * time.Millisecond})
	writeScript(t, e.ScriptsDir(), "stubborn.sh", "trap '' TERM\nsleep 10\n")

	start := time.Now()
	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "stubborn.sh", TimeoutSeconds: 1}, "t1_1")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, ExecutionTimeout, res.Status())
}

func TestExecuteCancel(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	writeScript(t, e.ScriptsDir(), "long.sh", "sleep 10\n")

	assert.False(t, e.Cancel("unknown"), "unknown execution is a no-op")

	done := make(chan *ExecutionResult, 1)
	go func() {
		done <- e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "long.sh"}, "t1_1")
	}()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, ok := e.live["t1_1"]
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, e.Cancel("t1_1"))

	select {
	case res := <-done:
		assert.Equal(t, ExecutionCancelled, res.Status())
		assert.Equal(t, "execution cancelled", res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled execution did not return")
	}
	assert.False(t, e.Cancel("t1_1"))
}

func TestExecuteEnvironment(t *testing.T) {
	t.Parallel()
	logs := t.TempDir()
	e := newTestExecutor(t, ExecutorConfig{ScriptLogsDir: logs})
	writeScript(t, e.ScriptsDir(), "env.sh", "echo \"$TASK_ID|$TASK_EXECUTION_ID|$GREETING|$TASK_SCRIPT_LOG\"\n")

	task := &Task{
		ID:          "t1",
		ScriptPath:  "env.sh",
		Environment: map[string]string{"GREETING": "hi", "TASK_ID": "spoofed"},
	}
	res := e.Execute(context.Background(), task, "t1_42")
	require.True(t, res.Success, res.Error)

	want := "t1|t1_42|hi|" + filepath.Join(logs, "env.log") + "\n"
	assert.Equal(t, want, res.Stdout)
}

func TestExecuteWorkingDirectory(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	writeScript(t, e.ScriptsDir(), "pwd.sh", "pwd\n")

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "pwd.sh"}, "t1_1")
	require.True(t, res.Success, res.Error)
	wantDefault, err := filepath.EvalSymlinks(e.ScriptsDir())
	require.NoError(t, err)
	gotDefault, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	assert.Equal(t, wantDefault, gotDefault, "defaults to the script's directory")

	other := t.TempDir()
	res = e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "pwd.sh", WorkingDirectory: &other}, "t1_2")
	require.True(t, res.Success, res.Error)
	wantOther, err := filepath.EvalSymlinks(other)
	require.NoError(t, err)
	gotOther, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	assert.Equal(t, wantOther, gotOther)
}

func TestExecuteAbsolutePath(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	path := writeScript(t, t.TempDir(), "abs.sh", "echo abs\n")

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: path}, "t1_1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "abs\n", res.Stdout)
}

func TestExecuteBoundsOutput(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{MaxOutputBytes: 10})
	writeScript(t, e.ScriptsDir(), "noisy.sh", "i=0\nwhile [ $i -lt 100 ]; do printf x; i=$((i+1)); done\n")

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "noisy.sh"}, "t1_1")
	require.True(t, res.Success, res.Error)
	assert.True(t, strings.HasPrefix(res.Stdout, "xxxxxxxxxx\n"))
	assert.Contains(t, res.Stdout, "90 bytes dropped")
}

func TestExecuteDecodesLegacyOutput(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	writeScript(t, e.ScriptsDir(), "gbk.sh", "printf '\\326\\320\\316\\304'\n")

	res := e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "gbk.sh"}, "t1_1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "中文", res.Stdout)
}

func TestExecuteWritesTranscript(t *testing.T) {
	t.Parallel()
	logs := t.TempDir()
	e := newTestExecutor(t, ExecutorConfig{ScriptLogsDir: logs})
	writeScript(t, e.ScriptsDir(), "report.sh", "echo line one\necho oops >&2\n")

	task := &Task{ID: "t1", Name: "Report", ScriptPath: "report.sh", Arguments: []string{"--full"}}
	res := e.Execute(context.Background(), task, "t1_1")
	require.True(t, res.Success, res.Error)
	e.Execute(context.Background(), &Task{ID: "t1", Name: "Report", ScriptPath: "report.sh"}, "t1_2")

	data, err := os.ReadFile(filepath.Join(logs, "report.log"))
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, 2, strings.Count(content, "execution started"))
	assert.Contains(t, content, "execution id: t1_1")
	assert.Contains(t, content, "arguments:    --full")
	assert.Contains(t, content, "[stdout]\nline one\n")
	assert.Contains(t, content, "[stderr]\noops\n")
	assert.Contains(t, content, "result:    success")
	assert.Contains(t, content, "exit code: 0")
}

func TestExecuteSharesTranscriptPerStem(t *testing.T) {
	t.Parallel()
	logs := t.TempDir()
	e := newTestExecutor(t, ExecutorConfig{ScriptLogsDir: logs, ScriptLogMaxSizeMB: 1})
	require.NoError(t, os.MkdirAll(filepath.Join(e.ScriptsDir(), "a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(e.ScriptsDir(), "b"), 0o755))
	writeScript(t, e.ScriptsDir(), "a/job.sh", "echo from a\n")
	writeScript(t, e.ScriptsDir(), "b/job.sh", "echo from b\n")

	logPath := ScriptLogPath(logs, "a/job.sh")
	assert.Same(t, e.scriptLog(logPath), e.scriptLog(ScriptLogPath(logs, "b/job.sh")))

	var wg sync.WaitGroup
	for _, task := range []*Task{
		{ID: "ta", ScriptPath: "a/job.sh"},
		{ID: "tb", ScriptPath: "b/job.sh"},
	} {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.Execute(context.Background(), task, task.ID+"_1")
			assert.True(t, res.Success, res.Error)
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "execution started"))
	assert.Contains(t, string(data), "from a")
	assert.Contains(t, string(data), "from b")

	require.NoError(t, e.Close())
	e.Execute(context.Background(), &Task{ID: "ta", ScriptPath: "a/job.sh"}, "ta_2")
	data, err = os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "execution started"), "closed transcripts reopen on the next run")
	require.NoError(t, e.Close())
}

func TestExecuteTranscriptOnMissingScript(t *testing.T) {
	t.Parallel()
	logs := t.TempDir()
	e := newTestExecutor(t, ExecutorConfig{ScriptLogsDir: logs})

	e.Execute(context.Background(), &Task{ID: "t1", ScriptPath: "ghost.sh"}, "t1_1")

	data, err := os.ReadFile(filepath.Join(logs, "ghost.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "result:    failed")
	assert.Contains(t, string(data), "script not found")
}

func TestExecuteParentContextCancelled(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, ExecutorConfig{})
	writeScript(t, e.ScriptsDir(), "wait.sh", "sleep 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	res := e.Execute(ctx, &Task{ID: "t1", ScriptPath: "wait.sh"}, "t1_1")
	assert.Equal(t, ExecutionCancelled, res.Status())
	assert.Contains(t, res.Error, "shutting down")
}

func TestBuildEnvInjectedLast(t *testing.T) {
	t.Parallel()
	env := buildEnv(&Task{ID: "t1", Environment: map[string]string{"B": "2", "A": "1"}}, "t1_1", "/logs/x.log")
	n := len(env)
	require.GreaterOrEqual(t, n, 5)
	assert.Equal(t, []string{"A=1", "B=2"}, env[n-5:n-3])
	assert.Equal(t, []string{
		EnvScriptLog + "=/logs/x.log",
		EnvExecutionID + "=t1_1",
		EnvTaskID + "=t1",
	}, env[n-3:])
}
