package core

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const transcriptRule = "================================================================================"

// transcript appends a human-readable record of one execution to the
// per-script log file. The file is UTF-8 regardless of the child's encoding.
type transcript struct {
	w io.Writer
}

// ScriptLogPath returns the transcript file for scriptPath: <dir>/<stem>.log.
func ScriptLogPath(dir, scriptPath string) string {
	base := filepath.Base(scriptPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+".log")
}

// openTranscript returns a transcript over the rotator for path. Executions of
// scripts sharing a stem share one rotator so rotation happens once per file.
func (e *ProcessExecutor) openTranscript(path string) *transcript {
	return &transcript{w: e.scriptLog(path)}
}

func (e *ProcessExecutor) scriptLog(path string) *lumberjack.Logger {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	if l, ok := e.logs[path]; ok {
		return l
	}
	l := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    e.cfg.ScriptLogMaxSizeMB,
		MaxBackups: e.cfg.ScriptLogMaxBackups,
		LocalTime:  true,
	}
	e.logs[path] = l
	return l
}

// Close releases the open transcript files. A later execution reopens them.
func (e *ProcessExecutor) Close() error {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	var errs []error
	for path, l := range e.logs {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(e.logs, path)
	}
	return errors.Join(errs...)
}

func (t *transcript) header(task *Task, executionID, scriptPath string, start time.Time) error {
	args := "(none)"
	if len(task.Arguments) > 0 {
		args = strings.Join(task.Arguments, " ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", transcriptRule)
	fmt.Fprintf(&b, "[%s] execution started\n", start.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "task id:      %s\n", task.ID)
	fmt.Fprintf(&b, "task name:    %s\n", task.Name)
	fmt.Fprintf(&b, "execution id: %s\n", executionID)
	fmt.Fprintf(&b, "script:       %s\n", scriptPath)
	fmt.Fprintf(&b, "arguments:    %s\n", args)
	fmt.Fprintf(&b, "%s\n", transcriptRule)
	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *transcript) body(res *ExecutionResult, end time.Time) error {
	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString("\n[stdout]\n")
		b.WriteString(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if res.Stderr != "" {
		b.WriteString("\n[stderr]\n")
		b.WriteString(res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	outcome := "success"
	if !res.Success {
		outcome = "failed"
	}
	fmt.Fprintf(&b, "\n%s\n", strings.Repeat("-", len(transcriptRule)))
	fmt.Fprintf(&b, "result:    %s\n", outcome)
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "duration:  %.2fs\n", res.Duration.Seconds())
	fmt.Fprintf(&b, "ended at:  %s\n", end.Format("2006-01-02 15:04:05"))
	if res.Error != "" {
		fmt.Fprintf(&b, "error:     %s\n", res.Error)
	}
	fmt.Fprintf(&b, "%s\n", transcriptRule)
	_, err := io.WriteString(t.w, b.String())
	return err
}
