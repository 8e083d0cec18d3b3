// Package handler exposes the engine over HTTP. Handlers stay thin: decode,
// pull the Subject from the request context, call the service, encode.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/identity"
	"github.com/nexigo/be-bp-approvals/internal/logger"
	"github.com/nexigo/be-bp-approvals/internal/middleware"
	"github.com/nexigo/be-bp-approvals/internal/service"
)

// HTTPHandler handles HTTP requests for access decisions and approvals.
type HTTPHandler struct {
	policies  *service.PolicyService
	approvals *service.ApprovalService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(policies *service.PolicyService, approvals *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{policies: policies, approvals: approvals, log: log}
}

// Register mounts all routes on the (already authenticated) API router.
// Paths are relative to the router's /api/v1 prefix.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/access/decide", h.Decide).Methods(http.MethodPost)

	r.HandleFunc("/approval-requests", h.CreateRequest).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/pending", h.PendingForSubject).Methods(http.MethodGet)
	r.HandleFunc("/approval-requests/mine", h.MyRequests).Methods(http.MethodGet)
	r.HandleFunc("/approval-requests/sweep-expired", h.SweepExpired).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}", h.GetRequest).Methods(http.MethodGet)
	r.HandleFunc("/approval-requests/{id}/history", h.GetHistory).Methods(http.MethodGet)
	r.HandleFunc("/approval-requests/{id}/approve", h.Approve).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}/reject", h.Reject).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}/return", h.Return).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}/cancel", h.Cancel).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}/resubmit", h.Resubmit).Methods(http.MethodPost)
	r.HandleFunc("/approval-requests/{id}/delegate", h.Delegate).Methods(http.MethodPost)
}

// ── Access decisions ──────────────────────────────────────────────────────────

type decideRequest struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	BusinessCode string         `json:"business_code"`
	Resource     map[string]any `json:"resource,omitempty"`
}

// Decide evaluates the ABAC policies for the calling subject.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		h.writeError(w, apperrors.Forbidden("no authenticated subject"))
		return
	}

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.Action == "" || req.ResourceType == "" || req.BusinessCode == "" {
		h.writeError(w, apperrors.InvalidInput("body", "action, resource_type and business_code are required"))
		return
	}

	decision, err := h.policies.Decide(r.Context(), subject, req.Action, req.ResourceType, req.BusinessCode, req.Resource)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

// ── Approval requests ─────────────────────────────────────────────────────────

// CreateRequest submits a business object for approval.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		h.writeError(w, apperrors.Forbidden("no authenticated subject"))
		return
	}

	var input service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	req, err := h.approvals.CreateRequest(r.Context(), subject, input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetRequest returns one approval request.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// GetHistory returns the audit trail for a request.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.approvals.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// PendingForSubject lists requests awaiting the calling subject.
func (h *HTTPHandler) PendingForSubject(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		h.writeError(w, apperrors.Forbidden("no authenticated subject"))
		return
	}

	requests, err := h.approvals.PendingFor(r.Context(), subject)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// MyRequests lists requests the calling subject opened.
func (h *HTTPHandler) MyRequests(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		h.writeError(w, apperrors.Forbidden("no authenticated subject"))
		return
	}

	requests, err := h.approvals.RequestsBy(r.Context(), subject.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// SweepExpired cancels pending requests past their expiry. Called by the
// platform scheduler, not end users.
func (h *HTTPHandler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok || !subject.IsAdmin {
		h.writeError(w, apperrors.Forbidden("expiry sweep requires an admin subject"))
		return
	}

	n, err := h.approvals.SweepExpired(r.Context(), time.Now())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

// ── Transitions ───────────────────────────────────────────────────────────────

type actionRequest struct {
	Step         int    `json:"step"`
	Comment      string `json:"comment"`
	ReturnToStep *int   `json:"return_to_step,omitempty"`
	DelegateTo   string `json:"delegate_to,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Approve records an approval on a step of a request.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(subject identity.Subject, id string, body actionRequest) (*service.TransitionResult, error) {
		return h.approvals.Approve(r.Context(), subject, id, body.Step, body.Comment)
	})
}

// Reject rejects a request at a step.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(subject identity.Subject, id string, body actionRequest) (*service.TransitionResult, error) {
		return h.approvals.Reject(r.Context(), subject, id, body.Step, body.Comment)
	})
}

// Return sends a request back to its requester.
func (h *HTTPHandler) Return(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(subject identity.Subject, id string, body actionRequest) (*service.TransitionResult, error) {
		return h.approvals.Return(r.Context(), subject, id, body.Step, body.Comment, body.ReturnToStep)
	})
}

// Cancel withdraws a request.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(subject identity.Subject, id string, body actionRequest) (*service.TransitionResult, error) {
		return h.approvals.Cancel(r.Context(), subject, id, body.Comment)
	})
}

// Resubmit puts a returned request back into review.
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(subject identity.Subject, id string, body actionRequest) (*service.TransitionResult, error) {
		return h.approvals.Resubmit(r.Context(), subject, id, body.Comment)
	})
}

// Delegate hands the current step to another user.
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(subject identity.Subject, id string, body actionRequest) (*service.TransitionResult, error) {
		return h.approvals.Delegate(r.Context(), subject, id, body.Step, body.DelegateTo, body.Reason)
	})
}

func (h *HTTPHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(subject identity.Subject, id string, body actionRequest) (*service.TransitionResult, error),
) {
	subject, ok := middleware.SubjectFrom(r.Context())
	if !ok {
		h.writeError(w, apperrors.Forbidden("no authenticated subject"))
		return
	}

	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	result, err := fn(subject, mux.Vars(r)["id"], body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ── Response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err),
	})
}
