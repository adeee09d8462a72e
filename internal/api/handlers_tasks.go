package api

import (
	"net/http"
	"strings"

	"scriptcron/internal/core"
	"scriptcron/internal/service"

	"github.com/go-chi/chi/v5"
)

type taskResponse struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	ScriptPath       string             `json:"script_path"`
	TriggerType      core.TriggerType   `json:"trigger_type"`
	CronExpression   *string            `json:"cron_expression"`
	IntervalSeconds  *int               `json:"interval_seconds"`
	ScheduledTime    *string            `json:"scheduled_time"`
	Arguments        []string           `json:"arguments"`
	WorkingDirectory *string            `json:"working_directory"`
	Environment      map[string]string  `json:"environment"`
	TimeoutSeconds   int                `json:"timeout_seconds"`
	Enabled          bool               `json:"enabled"`
	Deleted          bool               `json:"deleted"`
	RunCount         int64              `json:"run_count"`
	SuccessCount     int64              `json:"success_count"`
	FailedCount      int64              `json:"failed_count"`
	Description      string             `json:"description"`
	Notification     *core.Notification `json:"notification,omitempty"`
	NextRunTime      *string            `json:"next_run_time"`
	IsRunning        bool               `json:"is_running"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
}

type executeRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	enabled, ok := parseBoolParam(q.Get("enabled"))
	if !ok {
		writeError(w, http.StatusBadRequest, "validation_error", "enabled must be true or false")
		return
	}
	includeDeleted, ok := parseBoolParam(q.Get("include_deleted"))
	if !ok {
		writeError(w, http.StatusBadRequest, "validation_error", "include_deleted must be true or false")
		return
	}
	filter := core.TaskFilter{
		Keyword: strings.TrimSpace(q.Get("keyword")),
		Enabled: enabled,
	}
	if includeDeleted != nil {
		filter.IncludeDeleted = *includeDeleted
	}
	tasks, err := s.service.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err, "list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTaskInput
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, "create task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, r, err, "load task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateTaskInput
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.service.UpdateTask(r.Context(), chi.URLParam(r, "taskID"), req)
	if err != nil {
		s.writeServiceError(w, r, err, "update task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.service.DeleteTask(r.Context(), taskID); err != nil {
		s.writeServiceError(w, r, err, "delete task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "deleted": true})
}

func (s *Server) handleRestoreTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.RestoreTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, r, err, "restore task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.service.PauseTask(r.Context(), taskID); err != nil {
		s.writeServiceError(w, r, err, "pause task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "enabled": false})
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.service.ResumeTask(r.Context(), taskID); err != nil {
		s.writeServiceError(w, r, err, "resume task")
		return
	}
	res := map[string]any{"task_id": taskID, "enabled": true}
	if next, ok := s.service.ArmedNextRun(taskID); ok {
		res["next_run_time"] = s.formatTime(next)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	cancelled, err := s.service.CancelTask(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, r, err, "cancel task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "cancelled": cancelled})
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", "task_id is required", map[string]any{"field": "task_id"})
		return
	}
	s.runTask(w, r, strings.TrimSpace(req.TaskID))
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	s.runTask(w, r, chi.URLParam(r, "taskID"))
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.service.ExecuteNow(r.Context(), taskID); err != nil {
		s.writeServiceError(w, r, err, "start task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": "started"})
}

func (s *Server) handleNextRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	next, ok, err := s.service.NextRunTime(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, r, err, "load next run")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task is not scheduled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "next_run_time": s.formatTime(next)})
}

func (s *Server) taskToResponse(task *core.Task) taskResponse {
	res := taskResponse{
		ID:               task.ID,
		Name:             task.Name,
		ScriptPath:       task.ScriptPath,
		TriggerType:      task.TriggerType,
		CronExpression:   task.CronExpression,
		IntervalSeconds:  task.IntervalSeconds,
		ScheduledTime:    s.formatTimePtr(task.ScheduledTime),
		Arguments:        task.Arguments,
		WorkingDirectory: task.WorkingDirectory,
		Environment:      task.Environment,
		TimeoutSeconds:   task.TimeoutSeconds,
		Enabled:          task.Enabled,
		Deleted:          task.Deleted,
		RunCount:         task.RunCount,
		SuccessCount:     task.SuccessCount,
		FailedCount:      task.FailedCount,
		Description:      task.Description,
		Notification:     task.Notification,
		IsRunning:        s.service.IsTaskRunning(task.ID),
		CreatedAt:        s.formatTime(task.CreatedAt),
		UpdatedAt:        s.formatTime(task.UpdatedAt),
	}
	if res.Arguments == nil {
		res.Arguments = []string{}
	}
	if res.Environment == nil {
		res.Environment = map[string]string{}
	}
	if next, ok := s.service.ArmedNextRun(task.ID); ok {
		res.NextRunTime = s.formatTimePtr(&next)
	}
	return res
}
