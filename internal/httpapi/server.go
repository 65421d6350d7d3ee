// Package httpapi exposes the service over HTTP: a JSON API on chi, a
// websocket event stream, Prometheus metrics and a health probe.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/queue"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/internal/service"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/version"
	"github.com/ShayCichocki/foreman/internal/workflow"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// RequesterHeader carries the caller identity used for cancel checks.
const RequesterHeader = "X-Requester-ID"

// Backend is what the API needs from the service.
type Backend interface {
	SubmitTask(spec models.TaskSpec) (string, error)
	CancelTask(taskID, requesterID string) error
	GetTaskStatus(taskID string) (models.Task, error)
	ListTasks(f queue.Filter) []models.Task
	QueueDepth() map[models.Priority]int
	SubmitDirective(ctx context.Context, text, projectID string) (string, error)
	RecordApproval(workflowID, approverID string, approved bool) error
	GetWorkflowStatus(workflowID string) (models.Workflow, error)
	ListWorkflows() []models.Workflow
	PauseWorkflow(workflowID string) error
	ResumeWorkflow(workflowID string) error
	CancelWorkflow(workflowID string) error
	SetPreferredModel(providerName, model string) error
	SetCostMode(providerName, mode string) error
	Providers() []service.ProviderInfo
	Models(ctx context.Context, providerName string) ([]string, error)
	AuditEvents(ctx context.Context, q state.AuditQuery) ([]models.AuditEvent, error)
	Events() <-chan workflow.Event
	DroppedEvents() uint64
	Metrics() *observability.Metrics
}

var _ Backend = (*service.Service)(nil)

// Server serves the API.
type Server struct {
	backend  Backend
	hub      *hub
	upgrader websocket.Upgrader
	started  time.Time
}

// New creates a server over backend. Call Run or Start to begin streaming
// events to websocket clients.
func New(backend Backend) *Server {
	return &Server{
		backend: backend,
		hub:     newHub(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// sameOrigin accepts non-browser clients and browsers on the same host.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Start fans service events out to websocket clients until ctx ends.
func (s *Server) Start(ctx context.Context) {
	go s.hub.run(ctx, s.backend.Events())
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.backend.Metrics().Handler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)

		r.Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Post("/workflows/{id}/approval", s.handleApproval)
		r.Post("/workflows/{id}/pause", s.handleWorkflowAction((Backend).PauseWorkflow))
		r.Post("/workflows/{id}/resume", s.handleWorkflowAction((Backend).ResumeWorkflow))
		r.Post("/workflows/{id}/cancel", s.handleWorkflowAction((Backend).CancelWorkflow))

		r.Get("/providers", s.handleListProviders)
		r.Get("/providers/{name}/models", s.handleListModels)
		r.Put("/providers/{name}/model", s.handleSetModel)
		r.Put("/providers/{name}/cost-mode", s.handleSetCostMode)

		r.Get("/audit", s.handleAudit)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Run serves on addr until ctx ends, then shuts down within grace.
func (s *Server) Run(ctx context.Context, addr string, grace time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, grace)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	s.Start(ctx)
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Printf("[httpapi] listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	depth := s.backend.QueueDepth()
	queued := make(map[string]int, len(depth))
	for p, n := range depth {
		queued[string(p)] = n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Get(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"queued":         queued,
		"event_clients":  s.hub.count(),
		"events_dropped": s.backend.DroppedEvents(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps service errors onto status codes.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reliability.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, reliability.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, reliability.ErrAccessDenied):
		respondError(w, http.StatusForbidden, "access_denied", err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, reliability.ErrNoProviderAvailable):
		respondError(w, http.StatusServiceUnavailable, "no_provider", err.Error())
	default:
		log.Printf("[httpapi] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func requester(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(RequesterHeader))
}
