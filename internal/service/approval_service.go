package service

import (
	"context"
	"time"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/identity"
	"github.com/nexigo/be-bp-approvals/internal/logger"
	"github.com/nexigo/be-bp-approvals/internal/metrics"
	"github.com/nexigo/be-bp-approvals/internal/repository"
)

// systemActor is recorded as the acting user for engine-initiated
// transitions, such as expiry cancellations.
const systemActor = "system"

// Sub-status values surfaced alongside the main request status.
const (
	subStatusInReview  = "in_review"
	subStatusReturned  = "returned_to_requester"
	subStatusExpired   = "expired"
	subStatusDelegated = "delegated"
)

// FlowStore loads approval flows.
type FlowStore interface {
	ListActiveByType(ctx context.Context, flowType string) ([]*repository.ApprovalFlow, error)
	GetByID(ctx context.Context, id string) (*repository.ApprovalFlow, error)
}

// RequestStore persists approval requests. Transition serializes the
// read-decide-write sequence for one request id behind a row lock.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]*repository.ApprovalRequest, error)
	ListByRequester(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error)
	ListExpired(ctx context.Context, now time.Time) ([]*repository.ApprovalRequest, error)
	HasOpenRequest(ctx context.Context, requestType, requestID string) (bool, error)
	Transition(ctx context.Context, id string, fn func(tx repository.Txn) error) error
}

// HistoryStore reads the append-only audit trail.
type HistoryStore interface {
	ListByRequestID(ctx context.Context, requestID string) ([]*repository.ApprovalHistory, error)
}

// Notifier receives submission, step activation and terminal events.
// Delivery is the dispatcher's responsibility; the engine fires and forgets.
type Notifier interface {
	OnRequestSubmitted(ctx context.Context, req *repository.ApprovalRequest)
	OnStepActivated(ctx context.Context, req *repository.ApprovalRequest, step repository.FlowStep)
	OnRequestFinished(ctx context.Context, req *repository.ApprovalRequest, event string)
}

// TransitionResult is what every mutating call returns: the updated request
// state plus the newly appended history row.
type TransitionResult struct {
	Status      repository.RequestStatus    `json:"status"`
	CurrentStep int                         `json:"current_step"`
	SubStatus   string                      `json:"sub_status"`
	History     *repository.ApprovalHistory `json:"history"`
}

// CreateRequestInput describes a business object submitted for approval.
type CreateRequestInput struct {
	RequestType string         `json:"request_type"`
	RequestID   string         `json:"request_id"`
	RequestData map[string]any `json:"request_data"`
}

// ApprovalService drives approval requests through their flow: it selects
// the flow on submission, resolves the applicable steps, matches actors
// against approver specs, and owns every lifecycle transition.
type ApprovalService struct {
	flows      FlowStore
	requests   RequestStore
	histories  HistoryStore
	notifier   Notifier
	requestTTL time.Duration
	log        *logger.Logger
}

// NewApprovalService creates a new ApprovalService. notifier may be nil.
func NewApprovalService(
	flows FlowStore,
	requests RequestStore,
	histories HistoryStore,
	notifier Notifier,
	requestTTL time.Duration,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		flows:      flows,
		requests:   requests,
		histories:  histories,
		notifier:   notifier,
		requestTTL: requestTTL,
		log:        log,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// CreateRequest submits a business object for approval: selects the flow,
// checks the subject against the flow's requester specs, resolves the
// applicable steps and opens a pending request at the first one.
func (s *ApprovalService) CreateRequest(
	ctx context.Context,
	subject identity.Subject,
	input CreateRequestInput,
) (*repository.ApprovalRequest, error) {
	if input.RequestType == "" {
		return nil, apperrors.InvalidInput("request_type", "must not be empty")
	}
	if input.RequestID == "" {
		return nil, apperrors.InvalidInput("request_id", "must not be empty")
	}

	open, err := s.requests.HasOpenRequest(ctx, input.RequestType, input.RequestID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, apperrors.InvalidState("an open approval request already exists for this object")
	}

	candidates, err := s.flows.ListActiveByType(ctx, input.RequestType)
	if err != nil {
		return nil, err
	}
	flow := SelectFlow(candidates, input.RequestData)
	if flow == nil {
		return nil, apperrors.NotFound("approval_flow", input.RequestType)
	}

	if len(flow.Requesters) > 0 && !identity.MatchAny(flow.Requesters, subject) {
		return nil, apperrors.Forbidden("subject is not an eligible requester for this flow")
	}

	steps, err := ResolveSteps(flow, input.RequestData)
	if err != nil {
		return nil, err
	}

	req := &repository.ApprovalRequest{
		FlowID:      flow.ID,
		RequestType: input.RequestType,
		RequestID:   input.RequestID,
		CurrentStep: steps[0].Step,
		Status:      repository.StatusPending,
		SubStatus:   subStatusInReview,
		RequestData: input.RequestData,
		RequestedBy: subject.UserID,
	}
	if s.requestTTL > 0 {
		expires := time.Now().Add(s.requestTTL)
		req.ExpiresAt = &expires
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("flow_id", flow.ID).
		Str("request_type", req.RequestType).
		Int("first_step", req.CurrentStep).
		Msg("approval request created")

	s.notifySubmitted(ctx, req)
	s.notifyStepActivated(ctx, req, steps[0])
	return req, nil
}

// ── Transitions ───────────────────────────────────────────────────────────────

// Approve records an approval on the given step. When the step is complete
// the request advances to the next applicable step, or becomes APPROVED
// when none remains.
func (s *ApprovalService) Approve(
	ctx context.Context,
	subject identity.Subject,
	requestID string,
	step int,
	comment string,
) (*TransitionResult, error) {
	var result *TransitionResult
	var activated *repository.FlowStep
	var advanced, finished *repository.ApprovalRequest

	err := s.requests.Transition(ctx, requestID, func(tx repository.Txn) error {
		req := tx.Request()
		steps, cur, err := s.currentStep(ctx, req, step)
		if err != nil {
			return err
		}
		if err := s.requireApprover(ctx, tx, cur, subject); err != nil {
			return err
		}

		entry := &repository.ApprovalHistory{
			ApprovalRequestID: req.ID,
			Step:              cur.Step,
			Action:            repository.ActionApprove,
			ActedBy:           subject.UserID,
			Comment:           comment,
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}

		complete, err := s.stepCompleted(ctx, tx, cur.Step)
		if err != nil {
			return err
		}
		if complete {
			if next, ok := nextStepAfter(steps, cur.Step); ok {
				req.CurrentStep = next.Step
				req.SubStatus = subStatusInReview
				activated = &next
				advanced = req
			} else {
				now := time.Now()
				req.Status = repository.StatusApproved
				req.SubStatus = ""
				req.ApprovedBy = &subject.UserID
				req.ApprovedAt = &now
				finished = req
			}
		}

		if err := tx.Save(ctx); err != nil {
			return err
		}
		result = transitionResult(req, entry)
		return nil
	})
	if err != nil {
		metrics.RequestTransitions.WithLabelValues("approve", "error").Inc()
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues("approve", "ok").Inc()
	if activated != nil {
		s.notifyStepActivated(ctx, advanced, *activated)
	}
	if finished != nil {
		s.notifyFinished(ctx, finished, "request_approved")
	}
	return result, nil
}

// Reject rejects the request at the given step. A non-empty comment is
// required. Terminal.
func (s *ApprovalService) Reject(
	ctx context.Context,
	subject identity.Subject,
	requestID string,
	step int,
	comment string,
) (*TransitionResult, error) {
	if comment == "" {
		return nil, apperrors.InvalidInput("comment", "a rejection comment is required")
	}

	var result *TransitionResult
	var finished *repository.ApprovalRequest

	err := s.requests.Transition(ctx, requestID, func(tx repository.Txn) error {
		req := tx.Request()
		_, cur, err := s.currentStep(ctx, req, step)
		if err != nil {
			return err
		}
		if err := s.requireApprover(ctx, tx, cur, subject); err != nil {
			return err
		}

		entry := &repository.ApprovalHistory{
			ApprovalRequestID: req.ID,
			Step:              cur.Step,
			Action:            repository.ActionReject,
			ActedBy:           subject.UserID,
			Comment:           comment,
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}

		now := time.Now()
		req.Status = repository.StatusRejected
		req.SubStatus = ""
		req.RejectedBy = &subject.UserID
		req.RejectedAt = &now
		finished = req

		if err := tx.Save(ctx); err != nil {
			return err
		}
		result = transitionResult(req, entry)
		return nil
	})
	if err != nil {
		metrics.RequestTransitions.WithLabelValues("reject", "error").Inc()
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues("reject", "ok").Inc()
	s.notifyFinished(ctx, finished, "request_rejected")
	return result, nil
}

// Return sends the request back to the requester. The request stays
// actionable: current_step moves to returnToStep when given, otherwise to
// the previous applicable step, and the requester may resubmit.
func (s *ApprovalService) Return(
	ctx context.Context,
	subject identity.Subject,
	requestID string,
	step int,
	comment string,
	returnToStep *int,
) (*TransitionResult, error) {
	var result *TransitionResult
	var returned *repository.ApprovalRequest

	err := s.requests.Transition(ctx, requestID, func(tx repository.Txn) error {
		req := tx.Request()
		steps, cur, err := s.currentStep(ctx, req, step)
		if err != nil {
			return err
		}
		if err := s.requireApprover(ctx, tx, cur, subject); err != nil {
			return err
		}

		// Default target is the previous applicable step; returning from
		// the first step keeps the request there.
		target := steps[0].Step
		for _, st := range steps {
			if st.Step < cur.Step {
				target = st.Step
			}
		}
		if returnToStep != nil {
			target = *returnToStep
			if _, ok := stepByNumber(steps, target); !ok {
				return apperrors.InvalidInput("return_to_step", "must name an applicable step")
			}
		}

		entry := &repository.ApprovalHistory{
			ApprovalRequestID: req.ID,
			Step:              cur.Step,
			Action:            repository.ActionReturn,
			ActedBy:           subject.UserID,
			Comment:           comment,
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}

		now := time.Now()
		req.Status = repository.StatusReturned
		req.SubStatus = subStatusReturned
		req.CurrentStep = target
		req.ReturnedBy = &subject.UserID
		req.ReturnedAt = &now
		returned = req

		if err := tx.Save(ctx); err != nil {
			return err
		}
		result = transitionResult(req, entry)
		return nil
	})
	if err != nil {
		metrics.RequestTransitions.WithLabelValues("return", "error").Inc()
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues("return", "ok").Inc()
	s.notifyFinished(ctx, returned, "request_returned")
	return result, nil
}

// Cancel withdraws the request. Permitted for the original requester or a
// current-step approver while the request is pending or returned. Terminal.
func (s *ApprovalService) Cancel(
	ctx context.Context,
	subject identity.Subject,
	requestID string,
	comment string,
) (*TransitionResult, error) {
	var result *TransitionResult
	var cancelled *repository.ApprovalRequest

	err := s.requests.Transition(ctx, requestID, func(tx repository.Txn) error {
		req := tx.Request()
		if req.Status != repository.StatusPending && req.Status != repository.StatusReturned {
			return apperrors.InvalidState("request cannot be cancelled from status " + string(req.Status))
		}

		if subject.UserID != req.RequestedBy {
			steps, err := s.resolveFlowSteps(ctx, req)
			if err != nil {
				return err
			}
			cur, ok := stepByNumber(steps, req.CurrentStep)
			if !ok {
				return apperrors.Forbidden("only the requester or a current-step approver may cancel")
			}
			if err := s.requireApprover(ctx, tx, cur, subject); err != nil {
				return apperrors.Forbidden("only the requester or a current-step approver may cancel")
			}
		}

		entry := &repository.ApprovalHistory{
			ApprovalRequestID: req.ID,
			Step:              req.CurrentStep,
			Action:            repository.ActionCancel,
			ActedBy:           subject.UserID,
			Comment:           comment,
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}

		now := time.Now()
		req.Status = repository.StatusCancelled
		req.SubStatus = ""
		req.CancelledBy = &subject.UserID
		req.CancelledAt = &now
		cancelled = req

		if err := tx.Save(ctx); err != nil {
			return err
		}
		result = transitionResult(req, entry)
		return nil
	})
	if err != nil {
		metrics.RequestTransitions.WithLabelValues("cancel", "error").Inc()
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues("cancel", "ok").Inc()
	s.notifyFinished(ctx, cancelled, "request_cancelled")
	return result, nil
}

// Resubmit puts a RETURNED request back into review at its current step.
// Only the original requester may resubmit.
func (s *ApprovalService) Resubmit(
	ctx context.Context,
	subject identity.Subject,
	requestID string,
	comment string,
) (*TransitionResult, error) {
	var result *TransitionResult
	var activated *repository.FlowStep
	var resumed *repository.ApprovalRequest

	err := s.requests.Transition(ctx, requestID, func(tx repository.Txn) error {
		req := tx.Request()
		if req.Status != repository.StatusReturned {
			return apperrors.InvalidState("only a returned request can be resubmitted")
		}
		if subject.UserID != req.RequestedBy {
			return apperrors.Forbidden("only the requester may resubmit")
		}

		steps, err := s.resolveFlowSteps(ctx, req)
		if err != nil {
			return err
		}
		cur, ok := stepByNumber(steps, req.CurrentStep)
		if !ok {
			return apperrors.Configuration("request points at a step that is not applicable")
		}

		entry := &repository.ApprovalHistory{
			ApprovalRequestID: req.ID,
			Step:              cur.Step,
			Action:            repository.ActionResubmit,
			ActedBy:           subject.UserID,
			Comment:           comment,
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}

		req.Status = repository.StatusPending
		req.SubStatus = subStatusInReview
		resumed = req
		activated = &cur

		if err := tx.Save(ctx); err != nil {
			return err
		}
		result = transitionResult(req, entry)
		return nil
	})
	if err != nil {
		metrics.RequestTransitions.WithLabelValues("resubmit", "error").Inc()
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues("resubmit", "ok").Inc()
	if activated != nil {
		s.notifyStepActivated(ctx, resumed, *activated)
	}
	return result, nil
}

// Delegate lets a current-step approver hand their step to a named user,
// who becomes an additional eligible approver for that step.
func (s *ApprovalService) Delegate(
	ctx context.Context,
	subject identity.Subject,
	requestID string,
	step int,
	delegateTo, reason string,
) (*TransitionResult, error) {
	if delegateTo == "" {
		return nil, apperrors.InvalidInput("delegate_to", "must not be empty")
	}
	if reason == "" {
		return nil, apperrors.InvalidInput("reason", "a delegation reason is required")
	}

	var result *TransitionResult

	err := s.requests.Transition(ctx, requestID, func(tx repository.Txn) error {
		req := tx.Request()
		_, cur, err := s.currentStep(ctx, req, step)
		if err != nil {
			return err
		}
		if err := s.requireApprover(ctx, tx, cur, subject); err != nil {
			return err
		}

		entry := &repository.ApprovalHistory{
			ApprovalRequestID: req.ID,
			Step:              cur.Step,
			Action:            repository.ActionDelegate,
			ActedBy:           subject.UserID,
			Comment:           reason,
			DelegatedTo:       &delegateTo,
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}

		req.SubStatus = subStatusDelegated
		if err := tx.Save(ctx); err != nil {
			return err
		}
		result = transitionResult(req, entry)
		return nil
	})
	if err != nil {
		metrics.RequestTransitions.WithLabelValues("delegate", "error").Inc()
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues("delegate", "ok").Inc()
	return result, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// Get returns a request by id.
func (s *ApprovalService) Get(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, requestID)
}

// History returns the full audit trail for a request, oldest first.
func (s *ApprovalService) History(ctx context.Context, requestID string) ([]*repository.ApprovalHistory, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.histories.ListByRequestID(ctx, requestID)
}

// PendingFor returns the pending requests whose current step the subject
// may act on, either through an approver spec or a delegation.
func (s *ApprovalService) PendingFor(ctx context.Context, subject identity.Subject) ([]*repository.ApprovalRequest, error) {
	pending, err := s.requests.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*repository.ApprovalRequest
	for _, req := range pending {
		steps, err := s.resolveFlowSteps(ctx, req)
		if err != nil {
			// A broken flow must not hide everyone else's queue.
			s.log.Warn().Err(err).Str("request_id", req.ID).Msg("skipping request with unresolvable flow")
			continue
		}
		cur, ok := stepByNumber(steps, req.CurrentStep)
		if !ok {
			continue
		}
		if identity.MatchAny(cur.Approvers, subject) {
			matched = append(matched, req)
			continue
		}
		if delegated, err := s.subjectDelegated(ctx, req.ID, cur.Step, subject.UserID); err == nil && delegated {
			matched = append(matched, req)
		}
	}
	return matched, nil
}

// subjectDelegated reports whether a delegation entry on the given step
// names the user as its delegate.
func (s *ApprovalService) subjectDelegated(ctx context.Context, requestID string, step int, userID string) (bool, error) {
	history, err := s.histories.ListByRequestID(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, h := range history {
		if h.Step == step && h.Action == repository.ActionDelegate &&
			h.DelegatedTo != nil && *h.DelegatedTo == userID {
			return true, nil
		}
	}
	return false, nil
}

// RequestsBy returns all requests opened by a user, newest first.
func (s *ApprovalService) RequestsBy(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListByRequester(ctx, userID)
}

// ── Expiry sweep ──────────────────────────────────────────────────────────────

// SweepExpired cancels pending requests whose expires_at has passed. It is
// called by an external scheduler; the engine keeps no timer of its own.
// Returns the number of requests cancelled.
func (s *ApprovalService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.requests.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, stale := range expired {
		err := s.requests.Transition(ctx, stale.ID, func(tx repository.Txn) error {
			req := tx.Request()
			// Re-check under the lock; an approver may have beaten the sweep.
			if req.Status != repository.StatusPending || req.ExpiresAt == nil || req.ExpiresAt.After(now) {
				return nil
			}

			entry := &repository.ApprovalHistory{
				ApprovalRequestID: req.ID,
				Step:              req.CurrentStep,
				Action:            repository.ActionCancel,
				ActedBy:           systemActor,
				Comment:           "request expired",
			}
			if err := tx.AppendHistory(ctx, entry); err != nil {
				return err
			}

			ts := time.Now()
			actor := systemActor
			req.Status = repository.StatusCancelled
			req.SubStatus = subStatusExpired
			req.CancelledBy = &actor
			req.CancelledAt = &ts
			cancelled++
			return tx.Save(ctx)
		})
		if err != nil {
			s.log.Error().Err(err).Str("request_id", stale.ID).Msg("failed to cancel expired request")
		}
	}
	return cancelled, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// currentStep verifies the request is actionable at the step the caller
// named and returns the resolved step list plus the current step.
func (s *ApprovalService) currentStep(
	ctx context.Context,
	req *repository.ApprovalRequest,
	step int,
) ([]repository.FlowStep, repository.FlowStep, error) {
	if req.Status != repository.StatusPending {
		return nil, repository.FlowStep{}, apperrors.InvalidState(
			"request is not pending (status: " + string(req.Status) + ")")
	}
	if step != req.CurrentStep {
		return nil, repository.FlowStep{}, apperrors.InvalidState(
			"step is not the request's current step")
	}

	steps, err := s.resolveFlowSteps(ctx, req)
	if err != nil {
		return nil, repository.FlowStep{}, err
	}
	cur, ok := stepByNumber(steps, req.CurrentStep)
	if !ok {
		return nil, repository.FlowStep{}, apperrors.Configuration(
			"request points at a step that is not applicable")
	}
	return steps, cur, nil
}

func (s *ApprovalService) resolveFlowSteps(ctx context.Context, req *repository.ApprovalRequest) ([]repository.FlowStep, error) {
	flow, err := s.flows.GetByID(ctx, req.FlowID)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, apperrors.Configuration("request references a missing flow")
		}
		return nil, err
	}
	return ResolveSteps(flow, req.RequestData)
}

// requireApprover checks the subject against the step's approver specs and
// any recorded delegations.
func (s *ApprovalService) requireApprover(
	ctx context.Context,
	tx repository.Txn,
	step repository.FlowStep,
	subject identity.Subject,
) error {
	if identity.MatchAny(step.Approvers, subject) {
		return nil
	}
	delegates, err := tx.StepDelegates(ctx, step.Step)
	if err != nil {
		return err
	}
	for _, u := range delegates {
		if u == subject.UserID {
			return nil
		}
	}
	return apperrors.Forbidden("subject is not an eligible approver for this step")
}

// stepCompleted reports whether a step has at least one recorded approval.
// One qualifying approval closes a step; the approver list is OR semantics.
func (s *ApprovalService) stepCompleted(ctx context.Context, tx repository.Txn, step int) (bool, error) {
	count, err := tx.StepApprovalCount(ctx, step)
	if err != nil {
		return false, err
	}
	return count >= 1, nil
}

func (s *ApprovalService) notifySubmitted(ctx context.Context, req *repository.ApprovalRequest) {
	if s.notifier == nil || req == nil {
		return
	}
	s.notifier.OnRequestSubmitted(ctx, req)
}

func (s *ApprovalService) notifyStepActivated(ctx context.Context, req *repository.ApprovalRequest, step repository.FlowStep) {
	if s.notifier == nil || req == nil {
		return
	}
	s.notifier.OnStepActivated(ctx, req, step)
}

func (s *ApprovalService) notifyFinished(ctx context.Context, req *repository.ApprovalRequest, event string) {
	if s.notifier == nil || req == nil {
		return
	}
	s.notifier.OnRequestFinished(ctx, req, event)
}

func transitionResult(req *repository.ApprovalRequest, entry *repository.ApprovalHistory) *TransitionResult {
	return &TransitionResult{
		Status:      req.Status,
		CurrentStep: req.CurrentStep,
		SubStatus:   req.SubStatus,
		History:     entry,
	}
}
