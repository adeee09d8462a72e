package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"scriptcron/internal/core"

	"github.com/go-chi/chi/v5"
)

const logPollInterval = 500 * time.Millisecond

type executionResponse struct {
	ID              string               `json:"id"`
	TaskID          string               `json:"task_id"`
	TaskName        string               `json:"task_name"`
	Status          core.ExecutionStatus `json:"status"`
	StartTime       string               `json:"start_time"`
	EndTime         *string              `json:"end_time"`
	DurationSeconds *float64             `json:"duration_seconds"`
	ExitCode        *int                 `json:"exit_code"`
	Output          string               `json:"output"`
	Error           string               `json:"error"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)
	status := core.ExecutionStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	executions, err := s.service.ListExecutions(r.Context(), taskID, limit, status)
	if err != nil {
		s.writeServiceError(w, r, err, "list executions")
		return
	}
	resp := make([]executionResponse, 0, len(executions))
	for _, e := range executions {
		resp = append(resp, s.executionToResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.service.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeServiceError(w, r, err, "load execution")
		return
	}
	writeJSON(w, http.StatusOK, s.executionToResponse(execution))
}

// handleTaskLog serves the transcript of the task's script. With follow it
// keeps streaming appended bytes until the task stops running or the client
// goes away.
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	logPath, err := s.service.ScriptLogPath(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, r, err, "load task")
		return
	}
	q := r.URL.Query()
	tail := parseIntDefault(q.Get("tail"), 0)
	follow, _ := parseBoolParam(q.Get("follow"))

	file, err := os.Open(logPath)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "not_found", "log not found")
		return
	}
	if err != nil {
		s.logger.Error("open script log", "task_id", taskID, "path", logPath, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}
	defer file.Close()

	data, err := readTailLines(file, tail)
	if err != nil {
		s.logger.Error("read script log", "task_id", taskID, "path", logPath, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, canFlush := w.(http.Flusher)
	if follow == nil || !*follow || !canFlush {
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	_, _ = w.Write(data)
	flusher.Flush()

	followFile(r.Context(), file, func(chunk []byte) {
		_, _ = w.Write(chunk)
		flusher.Flush()
	}, func() bool { return s.service.IsTaskRunning(taskID) })
}

// followFile polls file for appended bytes and hands them to emit. It stops
// when ctx ends, the file shrinks (rotation) or alive reports false after a
// poll.
func followFile(ctx context.Context, file *os.File, emit func([]byte), alive func() bool) {
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := file.Stat()
		if err != nil || info.Size() < offset {
			return
		}
		if size := info.Size(); size > offset {
			chunk := make([]byte, size-offset)
			n, _ := file.ReadAt(chunk, offset)
			if n > 0 {
				emit(chunk[:n])
			}
			offset += int64(n)
		}
		if !alive() {
			return
		}
	}
}

func (s *Server) executionToResponse(e *core.Execution) executionResponse {
	return executionResponse{
		ID:              e.ID,
		TaskID:          e.TaskID,
		TaskName:        e.TaskName,
		Status:          e.Status,
		StartTime:       s.formatTime(e.StartTime),
		EndTime:         s.formatTimePtr(e.EndTime),
		DurationSeconds: e.DurationSeconds,
		ExitCode:        e.ExitCode,
		Output:          e.Output,
		Error:           e.Error,
	}
}

func readTailLines(file *os.File, tail int) ([]byte, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}
