// Package api implements the §6.5 control surface: the HTTP/RPC shape the
// specification describes for starting workflows, listing and inspecting
// them, and submitting the three kinds of external decision (approval,
// rollback, escalation) plus termination.
//
// Routing is `github.com/go-chi/chi/v5` (wired in per the Domain Stack —
// the teacher itself has no HTTP router of its own; `chi` is adopted from
// the rest of the pack), with `github.com/go-chi/cors` permitting the local
// dashboard origin. Every response is wrapped `{data?, error?}` and written
// with the teacher's `writeJSON(w, status, v)` helper, grounded on
// `processor/project-api/http.go`'s endpoint-registration and
// response-writing style (though that file registers on `net/http.ServeMux`
// directly; `api` adapts the same helper and handler shape onto chi's
// router so path parameters don't need hand-rolled parsing).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/c360studio/agentcompany/approval"
	"github.com/c360studio/agentcompany/engine"
	"github.com/c360studio/agentcompany/runstore"
	"github.com/c360studio/agentcompany/workflow"
)

// maxRequestBodySize limits POST body sizes, the way project-api's
// handlers do.
const maxRequestBodySize = 1 << 20 // 1 MB

// Engine is the subset of *engine.Engine the control surface calls.
// Declared as an interface so handlers can be tested against a fake.
type Engine interface {
	StartWorkflow(ctx context.Context, instruction, projectID string) (string, error)
	ListWorkflows(statusFilter *workflow.Status) ([]*workflow.Workflow, error)
	GetWorkflowState(wfID string) (*workflow.Workflow, error)
	RollbackToPhase(wfID string, target workflow.Phase) error
	HandleEscalation(wfID string, action workflow.EscalationAction, reason string) error
	TerminateWorkflow(wfID, reason string) error
}

// Approval is the subset of *approval.Gate the decisions endpoint calls.
// Decisions resolve a pending ApprovalGate entry directly; the engine has
// no wrapper for this verb since the gate, not the driver, owns the
// pending-entry map (§4.5).
type Approval interface {
	SubmitDecision(wfID string, action workflow.ApprovalAction, feedback string) error
}

var _ Engine = (*engine.Engine)(nil)
var _ Approval = (*approval.Gate)(nil)

// Server holds the collaborators the control surface dispatches to.
type Server struct {
	engine   Engine
	approval Approval
}

// NewServer returns a Server wired against eng and gate.
func NewServer(eng Engine, gate Approval) *Server {
	return &Server{engine: eng, approval: gate}
}

// Router builds the chi router exposing every §6.5 endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/decisions", s.handleDecision)
			r.Post("/rollback", s.handleRollback)
			r.Post("/escalations", s.handleEscalation)
			r.Post("/terminate", s.handleTerminate)
		})
	})
	return r
}

// envelope is the §6.5 response wrapper: `{data?, error?}`.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: msg})
}

// statusForError maps the engine's §7 error taxonomy, and the approval
// package's sentinel errors, onto HTTP status codes.
func statusForError(err error) int {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		switch engErr.Kind() {
		case engine.KindInvalidArgument:
			return http.StatusBadRequest
		case engine.KindConflict:
			return http.StatusConflict
		case engine.KindUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	if errors.Is(err, approval.ErrNoPendingApproval) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// startRequest is the body of POST /workflows.
type startRequest struct {
	Instruction string `json:"instruction"`
	ProjectID   string `json:"projectId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wfID, err := s.engine.StartWorkflow(r.Context(), req.Instruction, req.ProjectID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"workflowId": wfID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter *workflow.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := workflow.Status(raw)
		filter = &st
	}
	workflows, err := s.engine.ListWorkflows(filter)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, workflows)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.engine.GetWorkflowState(id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, runstore.ErrNotFound):
			status = http.StatusNotFound
		default:
			status = statusForError(err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeData(w, http.StatusOK, wf)
}

// decisionRequest is the body of POST /workflows/{id}/decisions.
type decisionRequest struct {
	Action   workflow.ApprovalAction `json:"action"`
	Feedback string                  `json:"feedback"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.approval.SubmitDecision(id, req.Action, req.Feedback); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"workflowId": id})
}

// rollbackRequest is the body of POST /workflows/{id}/rollback.
type rollbackRequest struct {
	TargetPhase workflow.Phase `json:"targetPhase"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.RollbackToPhase(id, req.TargetPhase); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"workflowId": id})
}

// escalationRequest is the body of POST /workflows/{id}/escalations.
type escalationRequest struct {
	Action workflow.EscalationAction `json:"action"`
	Reason string                    `json:"reason"`
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req escalationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.HandleEscalation(id, req.Action, req.Reason); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"workflowId": id})
}

// terminateRequest is the body of POST /workflows/{id}/terminate.
type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req terminateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.engine.TerminateWorkflow(id, req.Reason); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"workflowId": id})
}
