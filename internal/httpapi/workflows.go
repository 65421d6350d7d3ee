package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ShayCichocki/foreman/pkg/models"
)

type createWorkflowRequest struct {
	Directive string `json:"directive"`
	ProjectID string `json:"project_id"`
}

type approvalRequest struct {
	Approved   *bool  `json:"approved"`
	ApproverID string `json:"approver_id"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := s.backend.SubmitDirective(r.Context(), req.Directive, strings.TrimSpace(req.ProjectID))
	if err != nil {
		respondErr(w, err)
		return
	}
	wf, err := s.backend.GetWorkflowStatus(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.backend.GetWorkflowStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	wfs := s.backend.ListWorkflows()
	if wfs == nil {
		wfs = []models.Workflow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Approved == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "approved is required")
		return
	}
	approver := strings.TrimSpace(req.ApproverID)
	if approver == "" {
		approver = requester(r)
	}
	id := chi.URLParam(r, "id")
	if err := s.backend.RecordApproval(id, approver, *req.Approved); err != nil {
		respondErr(w, err)
		return
	}
	wf, err := s.backend.GetWorkflowStatus(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowAction(action func(Backend, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := action(s.backend, id); err != nil {
			respondErr(w, err)
			return
		}
		wf, err := s.backend.GetWorkflowStatus(id)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, wf)
	}
}
