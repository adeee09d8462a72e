package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment variables injected into every executed script.
const (
	EnvScriptLog   = "TASK_SCRIPT_LOG"
	EnvExecutionID = "TASK_EXECUTION_ID"
	EnvTaskID      = "TASK_ID"
)

const (
	defaultKillGrace      = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20
)

// ExecutorConfig controls how scripts are located, bounded and logged.
type ExecutorConfig struct {
	ScriptsDir          string
	ScriptLogsDir       string
	KillGrace           time.Duration
	MaxOutputBytes      int
	LegacyEncoding      string
	ScriptLogMaxSizeMB  int
	ScriptLogMaxBackups int
}

// ExecutionResult is the outcome of running one script.
type ExecutionResult struct {
	Success  bool
	ExitCode int // -1 when the process never exited on its own
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    string
	Err      error
}

// Status maps the result onto a terminal execution status.
func (r *ExecutionResult) Status() ExecutionStatus {
	switch {
	case r.Success:
		return ExecutionSuccess
	case errors.Is(r.Err, ErrTimeout):
		return ExecutionTimeout
	case errors.Is(r.Err, ErrCancelled):
		return ExecutionCancelled
	default:
		return ExecutionFailed
	}
}

// Executor runs a task's script.
type Executor interface {
	Execute(ctx context.Context, task *Task, executionID string) *ExecutionResult
	Cancel(executionID string) bool
}

type liveProcess struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// ProcessExecutor runs scripts as child processes.
type ProcessExecutor struct {
	cfg      ExecutorConfig
	logger   *slog.Logger
	decoder  outputDecoder
	lookPath func(string) (string, error)

	mu   sync.Mutex
	live map[string]*liveProcess

	logMu sync.Mutex
	logs  map[string]*lumberjack.Logger
}

// NewProcessExecutor creates an executor, filling unset limits with defaults.
func NewProcessExecutor(cfg ExecutorConfig, logger *slog.Logger) *ProcessExecutor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessExecutor{
		cfg:      cfg,
		logger:   logger,
		decoder:  newOutputDecoder(cfg.LegacyEncoding),
		lookPath: exec.LookPath,
		live:     make(map[string]*liveProcess),
		logs:     make(map[string]*lumberjack.Logger),
	}
}

// ScriptsDir returns the configured scripts root.
func (e *ProcessExecutor) ScriptsDir() string {
	return e.cfg.ScriptsDir
}

// ResolveScript finds the script file: absolute path, then relative to the
// scripts root, then relative to the working directory.
func (e *ProcessExecutor) ResolveScript(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrScriptNotFound)
	}
	var candidates []string
	if filepath.IsAbs(path) {
		candidates = append(candidates, path)
	} else {
		if e.cfg.ScriptsDir != "" {
			candidates = append(candidates, filepath.Join(e.cfg.ScriptsDir, path))
		}
		if wd, err := os.Getwd(); err == nil {
			candidates = append(candidates, filepath.Join(wd, path))
		}
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if abs, err := filepath.Abs(candidate); err == nil {
			return abs, nil
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrScriptNotFound, path)
}

// Execute runs the task's script and blocks until it exits, times out or is
// cancelled. It never returns nil.
func (e *ProcessExecutor) Execute(ctx context.Context, task *Task, executionID string) *ExecutionResult {
	start := time.Now()
	res := &ExecutionResult{ExitCode: -1}
	logger := e.logger.With("task_id", task.ID, "execution_id", executionID)

	var tr *transcript
	logPath := ""
	if e.cfg.ScriptLogsDir != "" {
		logPath = ScriptLogPath(e.cfg.ScriptLogsDir, task.ScriptPath)
		tr = e.openTranscript(logPath)
	}

	finish := func() *ExecutionResult {
		res.Duration = time.Since(start)
		if tr != nil {
			if err := tr.body(res, time.Now()); err != nil {
				logger.Warn("write script log", "path", logPath, "err", err)
			}
		}
		logger.Info("execution finished",
			"status", res.Status(),
			"exit_code", res.ExitCode,
			"duration", res.Duration.Round(time.Millisecond),
		)
		return res
	}
	fail := func(err error) *ExecutionResult {
		res.Err = err
		res.Error = err.Error()
		return finish()
	}

	scriptPath, err := e.ResolveScript(task.ScriptPath)
	if tr != nil {
		shown := scriptPath
		if shown == "" {
			shown = task.ScriptPath
		}
		if herr := tr.header(task, executionID, shown, start); herr != nil {
			logger.Warn("write script log", "path", logPath, "err", herr)
		}
	}
	if err != nil {
		return fail(err)
	}

	argv, direct, err := e.buildCommand(scriptPath, task.Arguments)
	if err != nil {
		return fail(err)
	}
	if direct {
		logger.Warn("no launcher for extension, executing directly", "script", scriptPath)
	}

	workDir := filepath.Dir(scriptPath)
	if task.WorkingDirectory != nil && strings.TrimSpace(*task.WorkingDirectory) != "" {
		workDir = *task.WorkingDirectory
	}

	runCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()
	live := e.track(executionID, cancel)
	defer e.untrack(executionID, live)

	stdout := newCappedBuffer(e.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(e.cfg.MaxOutputBytes)

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...) // #nosec G204
	cmd.Dir = workDir
	cmd.Env = buildEnv(task, executionID, logPath)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	var killTimer atomic.Pointer[time.Timer]
	cmd.Cancel = func() error {
		logger.Warn("terminating script", "grace", e.cfg.KillGrace)
		err := terminateProcess(cmd.Process)
		killTimer.Store(time.AfterFunc(e.cfg.KillGrace, func() {
			killProcess(cmd.Process)
		}))
		return err
	}
	cmd.WaitDelay = 2 * e.cfg.KillGrace

	logger.Info("execution started", "script", scriptPath, "dir", workDir)
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start process: %w", err))
	}
	waitErr := cmd.Wait()
	if t := killTimer.Load(); t != nil {
		t.Stop()
	}
	if runCtx.Err() != nil {
		// Sweep anything left in the process group.
		killProcess(cmd.Process)
	}

	res.Stdout = e.capture(stdout)
	res.Stderr = e.capture(stderr)

	switch {
	case live.cancelled.Load():
		res.Err = ErrCancelled
		res.Error = "execution cancelled"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Err = ErrTimeout
		res.Error = fmt.Sprintf("execution timed out after %d seconds", int(task.Timeout()/time.Second))
	case ctx.Err() != nil:
		res.Err = ErrCancelled
		res.Error = "execution cancelled: scheduler shutting down"
	case waitErr == nil:
		res.Success = true
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.Exited() {
			res.ExitCode = exitErr.ExitCode()
			res.Err = waitErr
			res.Error = strings.TrimSpace(res.Stderr)
			if res.Error == "" {
				res.Error = fmt.Sprintf("process exited with code %d", res.ExitCode)
			}
		} else {
			res.Err = waitErr
			res.Error = waitErr.Error()
		}
	}
	return finish()
}

// Cancel terminates the live process of executionID and waits for it to be
// reaped. It returns false when the execution is not tracked.
func (e *ProcessExecutor) Cancel(executionID string) bool {
	e.mu.Lock()
	lp, ok := e.live[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	lp.cancelled.Store(true)
	lp.cancel()
	select {
	case <-lp.done:
	case <-time.After(2*e.cfg.KillGrace + time.Second):
		e.logger.Warn("cancelled execution still running", "execution_id", executionID)
	}
	return true
}

func (e *ProcessExecutor) track(executionID string, cancel context.CancelFunc) *liveProcess {
	lp := &liveProcess{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.live[executionID] = lp
	e.mu.Unlock()
	return lp
}

func (e *ProcessExecutor) untrack(executionID string, lp *liveProcess) {
	e.mu.Lock()
	if e.live[executionID] == lp {
		delete(e.live, executionID)
	}
	e.mu.Unlock()
	close(lp.done)
}

func (e *ProcessExecutor) capture(b *cappedBuffer) string {
	out := e.decoder.Decode(b.Bytes())
	if dropped := b.Truncated(); dropped > 0 {
		out += truncationMarker(dropped)
	}
	return out
}

func buildEnv(task *Task, executionID, logPath string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(task.Environment))
	for k := range task.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+task.Environment[k])
	}
	// Later entries win in exec, so these cannot be overridden by the task.
	return append(env,
		EnvScriptLog+"="+logPath,
		EnvExecutionID+"="+executionID,
		EnvTaskID+"="+task.ID,
	)
}
