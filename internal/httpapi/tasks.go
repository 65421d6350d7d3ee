package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ShayCichocki/foreman/internal/queue"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

type createTaskRequest struct {
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	Instruction  string   `json:"instruction"`
	Priority     string   `json:"priority"`
	AllowedTools []string `json:"allowed_tools"`
	Constraints  struct {
		PreferredProvider string  `json:"preferred_provider"`
		Intent            string  `json:"intent"`
		MaxCost           float64 `json:"max_cost"`
	} `json:"constraints"`
	DependsOn   []string  `json:"depends_on"`
	ScheduledAt time.Time `json:"scheduled_at"`
	WebhookURL  string    `json:"webhook_url"`
	RequesterID string    `json:"requester_id"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	requesterID := strings.TrimSpace(req.RequesterID)
	if h := requester(r); h != "" {
		requesterID = h
	}

	id, err := s.backend.SubmitTask(models.TaskSpec{
		ProjectID:    strings.TrimSpace(req.ProjectID),
		Title:        strings.TrimSpace(req.Title),
		Instruction:  req.Instruction,
		Priority:     models.Priority(strings.TrimSpace(req.Priority)),
		AllowedTools: req.AllowedTools,
		Constraints: models.Constraints{
			PreferredProvider: strings.TrimSpace(req.Constraints.PreferredProvider),
			Intent:            models.Intent(strings.TrimSpace(req.Constraints.Intent)),
			MaxCost:           req.Constraints.MaxCost,
		},
		DependsOn:   req.DependsOn,
		ScheduledAt: req.ScheduledAt,
		WebhookURL:  strings.TrimSpace(req.WebhookURL),
		RequesterID: requesterID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	task, err := s.backend.GetTaskStatus(id)
	status := string(models.TaskStatusQueued)
	if err == nil {
		status = string(task.Status)
	}
	respondJSON(w, http.StatusAccepted, createTaskResponse{TaskID: id, Status: status})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.backend.GetTaskStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{
		ProjectID:  q.Get("project_id"),
		WorkflowID: q.Get("workflow_id"),
		Status:     models.TaskStatus(q.Get("status")),
		Priority:   models.Priority(q.Get("priority")),
	}
	if f.Status != "" && !f.Status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_request", "unknown status "+string(f.Status))
		return
	}
	if f.Priority != "" && !f.Priority.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_request", "unknown priority "+string(f.Priority))
		return
	}
	tasks := s.backend.ListTasks(f)
	if tasks == nil {
		tasks = []models.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.backend.CancelTask(id, requester(r)); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(models.TaskStatusCancelled)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aq := state.AuditQuery{
		TaskID:     q.Get("task_id"),
		ProjectID:  q.Get("project_id"),
		WorkflowID: q.Get("workflow_id"),
		Kind:       models.AuditKind(q.Get("kind")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		aq.Limit = n
	}
	events, err := s.backend.AuditEvents(r.Context(), aq)
	if err != nil {
		respondErr(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}
