package api

import (
	"net/http"

	"scriptcron/internal/core"
	"scriptcron/internal/service"

	"github.com/go-chi/chi/v5"
)

type triggerPreviewRequest struct {
	service.TriggerInput
	Count int `json:"count,omitempty"`
}

type triggerPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

type jobResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	TriggerType core.TriggerType `json:"trigger_type"`
	NextRunTime string           `json:"next_run_time"`
}

type runningResponse struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	StartTime   string `json:"start_time"`
}

// handleTriggerPreview reports validity in the body; a malformed trigger is
// still a 200 so editors can call it on every keystroke.
func (s *Server) handleTriggerPreview(w http.ResponseWriter, r *http.Request) {
	var req triggerPreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	times, err := s.service.PreviewTrigger(req.TriggerInput, req.Count)
	if err != nil {
		writeJSON(w, http.StatusOK, triggerPreviewResponse{Valid: false, Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, s.formatTime(t))
	}
	writeJSON(w, http.StatusOK, triggerPreviewResponse{Valid: true, NextTimes: formatted})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.service.ListJobs()
	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobResponse{
			ID:          j.ID,
			Name:        j.Name,
			TriggerType: j.TriggerType,
			NextRunTime: s.formatTime(j.NextRunTime),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRunning(w http.ResponseWriter, r *http.Request) {
	running := s.service.RunningExecutions()
	resp := make([]runningResponse, 0, len(running))
	for _, run := range running {
		resp = append(resp, runningResponse{
			TaskID:      run.TaskID,
			ExecutionID: run.ExecutionID,
			StartTime:   s.formatTime(run.StartTime),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.service.ListScripts()
	if err != nil {
		s.writeServiceError(w, r, err, "list scripts")
		return
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	script, err := s.service.GetScript(chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, r, err, "read script")
		return
	}
	writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health(r.Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}
