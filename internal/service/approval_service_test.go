package service

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/condition"
	"github.com/nexigo/be-bp-approvals/internal/identity"
	"github.com/nexigo/be-bp-approvals/internal/repository"
)

// ── In-memory fakes ───────────────────────────────────────────────────────────

type fakeFlowStore struct {
	flows map[string]*repository.ApprovalFlow
}

func (s *fakeFlowStore) ListActiveByType(ctx context.Context, flowType string) ([]*repository.ApprovalFlow, error) {
	var out []*repository.ApprovalFlow
	for _, f := range s.flows {
		if f.IsActive && f.FlowType == flowType {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fakeFlowStore) GetByID(ctx context.Context, id string) (*repository.ApprovalFlow, error) {
	f, ok := s.flows[id]
	if !ok {
		return nil, apperrors.NotFound("approval_flow", id)
	}
	return f, nil
}

type fakeRequestStore struct {
	requests  map[string]*repository.ApprovalRequest
	histories []*repository.ApprovalHistory
	seq       int
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{requests: make(map[string]*repository.ApprovalRequest)}
}

func (s *fakeRequestStore) Create(ctx context.Context, req *repository.ApprovalRequest) error {
	s.seq++
	req.ID = fmt.Sprintf("req-%d", s.seq)
	req.RequestedAt = time.Now()
	req.CreatedAt = req.RequestedAt
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *fakeRequestStore) GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, apperrors.NotFound("approval_request", id)
	}
	clone := *req
	return &clone, nil
}

func (s *fakeRequestStore) ListPending(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == repository.StatusPending {
			clone := *req
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) ListByRequester(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.RequestedBy == userID {
			clone := *req
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) ListExpired(ctx context.Context, now time.Time) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == repository.StatusPending && req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
			clone := *req
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) HasOpenRequest(ctx context.Context, requestType, requestID string) (bool, error) {
	for _, req := range s.requests {
		if req.RequestType == requestType && req.RequestID == requestID &&
			(req.Status == repository.StatusPending || req.Status == repository.StatusReturned) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeRequestStore) Transition(ctx context.Context, id string, fn func(tx repository.Txn) error) error {
	stored, ok := s.requests[id]
	if !ok {
		return apperrors.NotFound("approval_request", id)
	}
	work := *stored
	txn := &fakeTxn{store: s, req: &work}
	if err := fn(txn); err != nil {
		return err
	}
	if txn.saved {
		s.requests[id] = txn.req
	}
	s.histories = append(s.histories, txn.appended...)
	return nil
}

// fakeTxn buffers writes and commits them only when the callback succeeds,
// mirroring the transactional behavior of the real row-locked handle.
type fakeTxn struct {
	store    *fakeRequestStore
	req      *repository.ApprovalRequest
	appended []*repository.ApprovalHistory
	saved    bool
}

func (t *fakeTxn) Request() *repository.ApprovalRequest { return t.req }

func (t *fakeTxn) Save(ctx context.Context) error {
	t.saved = true
	return nil
}

func (t *fakeTxn) AppendHistory(ctx context.Context, h *repository.ApprovalHistory) error {
	h.ID = fmt.Sprintf("hist-%d", len(t.store.histories)+len(t.appended)+1)
	h.ActedAt = time.Now()
	t.appended = append(t.appended, h)
	return nil
}

func (t *fakeTxn) StepApprovalCount(ctx context.Context, step int) (int, error) {
	count := 0
	for _, h := range append(t.store.histories, t.appended...) {
		if h.ApprovalRequestID == t.req.ID && h.Step == step && h.Action == repository.ActionApprove {
			count++
		}
	}
	return count, nil
}

func (t *fakeTxn) StepDelegates(ctx context.Context, step int) ([]string, error) {
	var users []string
	for _, h := range append(t.store.histories, t.appended...) {
		if h.ApprovalRequestID == t.req.ID && h.Step == step &&
			h.Action == repository.ActionDelegate && h.DelegatedTo != nil {
			users = append(users, *h.DelegatedTo)
		}
	}
	return users, nil
}

type fakeHistoryStore struct {
	requests *fakeRequestStore
}

func (s *fakeHistoryStore) ListByRequestID(ctx context.Context, requestID string) ([]*repository.ApprovalHistory, error) {
	var out []*repository.ApprovalHistory
	for _, h := range s.requests.histories {
		if h.ApprovalRequestID == requestID {
			out = append(out, h)
		}
	}
	return out, nil
}

type notifierEvent struct {
	event string
	step  int
}

type fakeNotifier struct {
	events []notifierEvent
}

func (n *fakeNotifier) OnRequestSubmitted(ctx context.Context, req *repository.ApprovalRequest) {
	n.events = append(n.events, notifierEvent{event: "request_submitted"})
}

func (n *fakeNotifier) OnStepActivated(ctx context.Context, req *repository.ApprovalRequest, step repository.FlowStep) {
	n.events = append(n.events, notifierEvent{event: "step_activated", step: step.Step})
}

func (n *fakeNotifier) OnRequestFinished(ctx context.Context, req *repository.ApprovalRequest, event string) {
	n.events = append(n.events, notifierEvent{event: event})
}

// ── Test environment ──────────────────────────────────────────────────────────

var (
	requester = identity.Subject{UserID: "u-req", SystemLevel: "staff"}
	manager   = identity.Subject{UserID: "u-mgr", SystemLevel: "manager"}
	admin     = identity.Subject{UserID: "u-adm", SystemLevel: "admin"}
	outsider  = identity.Subject{UserID: "u-out", SystemLevel: "staff"}
)

type testEnv struct {
	svc      *ApprovalService
	flows    *fakeFlowStore
	requests *fakeRequestStore
	notifier *fakeNotifier
}

// estimateFlow is a two-step flow: manager review then admin review.
func estimateFlow() *repository.ApprovalFlow {
	return &repository.ApprovalFlow{
		ID:       "f-est",
		Name:     "Estimate approval",
		FlowType: "estimate",
		Priority: 1,
		IsActive: true,
		Steps: []repository.FlowStep{
			{Step: 1, Name: "manager review",
				Approvers: []identity.Spec{{Type: identity.SpecSystemLevel, Value: "manager"}}},
			{Step: 2, Name: "admin review",
				Approvers: []identity.Spec{{Type: identity.SpecSystemLevel, Value: "admin"}}},
		},
	}
}

func newTestEnv(flows ...*repository.ApprovalFlow) *testEnv {
	flowStore := &fakeFlowStore{flows: make(map[string]*repository.ApprovalFlow)}
	for _, f := range flows {
		flowStore.flows[f.ID] = f
	}
	requestStore := newFakeRequestStore()
	notifier := &fakeNotifier{}

	svc := NewApprovalService(
		flowStore,
		requestStore,
		&fakeHistoryStore{requests: requestStore},
		notifier,
		0,
		testLogger(),
	)
	return &testEnv{svc: svc, flows: flowStore, requests: requestStore, notifier: notifier}
}

func (e *testEnv) submit(t *testing.T, objectID string) *repository.ApprovalRequest {
	t.Helper()
	req, err := e.svc.CreateRequest(context.Background(), requester, CreateRequestInput{
		RequestType: "estimate",
		RequestID:   objectID,
		RequestData: map[string]any{"amount": 50000},
	})
	require.NoError(t, err)
	return req
}

// ── Submission ────────────────────────────────────────────────────────────────

func TestCreateRequestOpensAtFirstStep(t *testing.T) {
	env := newTestEnv(estimateFlow())

	req := env.submit(t, "est-1")

	assert.Equal(t, "f-est", req.FlowID)
	assert.Equal(t, 1, req.CurrentStep)
	assert.Equal(t, repository.StatusPending, req.Status)
	require.Len(t, env.notifier.events, 2)
	assert.Equal(t, notifierEvent{event: "request_submitted"}, env.notifier.events[0])
	assert.Equal(t, notifierEvent{event: "step_activated", step: 1}, env.notifier.events[1])
}

func TestCreateRequestRejectsDuplicateOpenRequest(t *testing.T) {
	env := newTestEnv(estimateFlow())
	env.submit(t, "est-1")

	_, err := env.svc.CreateRequest(context.Background(), requester, CreateRequestInput{
		RequestType: "estimate", RequestID: "est-1",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
}

func TestCreateRequestNoMatchingFlow(t *testing.T) {
	env := newTestEnv(estimateFlow())

	_, err := env.svc.CreateRequest(context.Background(), requester, CreateRequestInput{
		RequestType: "purchase-order", RequestID: "po-1",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestCreateRequestEnforcesRequesterSpecs(t *testing.T) {
	flow := estimateFlow()
	flow.Requesters = []identity.Spec{{Type: identity.SpecUser, Value: "u-req"}}
	env := newTestEnv(flow)

	env.submit(t, "est-1")

	_, err := env.svc.CreateRequest(context.Background(), outsider, CreateRequestInput{
		RequestType: "estimate", RequestID: "est-2",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
}

func TestCreateRequestSkipsGatedSteps(t *testing.T) {
	flow := estimateFlow()
	// Admin review only for large amounts.
	flow.Steps[1].Condition = condition.Leaf("amount", condition.OpGte, 100000)
	env := newTestEnv(flow)

	req := env.submit(t, "est-small") // amount 50000: only step 1 applies

	res, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "fine")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Status)
}

// ── Approve ───────────────────────────────────────────────────────────────────

func TestApproveAdvancesThroughSteps(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	res, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "looks good")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, res.Status)
	assert.Equal(t, 2, res.CurrentStep)
	require.NotNil(t, res.History)
	assert.Equal(t, repository.ActionApprove, res.History.Action)
	assert.Equal(t, 1, res.History.Step)

	res, err = env.svc.Approve(context.Background(), admin, req.ID, 2, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, res.Status)

	final, err := env.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, final.ApprovedBy)
	assert.Equal(t, "u-adm", *final.ApprovedBy)
	assert.NotNil(t, final.ApprovedAt)
}

func TestApproveOnAdvancedStepIsInvalidState(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "ok")
	require.NoError(t, err)

	// A second approval aimed at step 1 arrives after the advance.
	_, err = env.svc.Approve(context.Background(), manager, req.ID, 1, "me too")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
}

func TestApproveWrongActorIsForbidden(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Approve(context.Background(), outsider, req.ID, 1, "sneaky")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	// A failed attempt leaves no history behind.
	history, err := env.svc.History(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

// ── Reject ────────────────────────────────────────────────────────────────────

func TestRejectRequiresComment(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Reject(context.Background(), manager, req.ID, 1, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "looks good")
	require.NoError(t, err)

	res, err := env.svc.Reject(context.Background(), admin, req.ID, 2, "budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, res.Status)

	_, err = env.svc.Approve(context.Background(), admin, req.ID, 2, "changed my mind")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
}

// ── Return and resubmit ───────────────────────────────────────────────────────

func TestReturnStepsBackByDefault(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "ok")
	require.NoError(t, err)

	res, err := env.svc.Return(context.Background(), admin, req.ID, 2, "needs detail", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReturned, res.Status)
	assert.Equal(t, 1, res.CurrentStep)
}

func TestReturnToExplicitStep(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "ok")
	require.NoError(t, err)

	target := 1
	res, err := env.svc.Return(context.Background(), admin, req.ID, 2, "redo manager review", &target)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CurrentStep)
}

func TestResubmitResumesReview(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "ok")
	require.NoError(t, err)
	_, err = env.svc.Return(context.Background(), admin, req.ID, 2, "fix totals", nil)
	require.NoError(t, err)

	// Only the requester may resubmit.
	_, err = env.svc.Resubmit(context.Background(), outsider, req.ID, "fixed")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	res, err := env.svc.Resubmit(context.Background(), requester, req.ID, "totals fixed")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, res.Status)
	assert.Equal(t, 1, res.CurrentStep)

	// Resubmitting a pending request is invalid.
	_, err = env.svc.Resubmit(context.Background(), requester, req.ID, "again")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
}

// ── Cancel ────────────────────────────────────────────────────────────────────

func TestCancelByRequester(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	res, err := env.svc.Cancel(context.Background(), requester, req.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, res.Status)

	_, err = env.svc.Approve(context.Background(), manager, req.ID, 1, "too late")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
}

func TestCancelByCurrentStepApprover(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	res, err := env.svc.Cancel(context.Background(), manager, req.ID, "duplicate submission")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, res.Status)
}

func TestCancelByUnrelatedSubjectIsForbidden(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Cancel(context.Background(), outsider, req.ID, "nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
}

// ── Delegation ────────────────────────────────────────────────────────────────

func TestDelegateGrantsStepRights(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	delegate := identity.Subject{UserID: "u-alt", SystemLevel: "staff"}

	// Before delegation the delegate cannot act.
	_, err := env.svc.Approve(context.Background(), delegate, req.ID, 1, "early")
	require.Error(t, err)

	_, err = env.svc.Delegate(context.Background(), manager, req.ID, 1, "u-alt", "on vacation")
	require.NoError(t, err)

	res, err := env.svc.Approve(context.Background(), delegate, req.ID, 1, "covering")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentStep)
}

func TestDelegateRequiresReason(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	_, err := env.svc.Delegate(context.Background(), manager, req.ID, 1, "u-alt", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

// ── Queries ───────────────────────────────────────────────────────────────────

func TestPendingForMatchesCurrentStepApprovers(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")

	pendingMgr, err := env.svc.PendingFor(context.Background(), manager)
	require.NoError(t, err)
	require.Len(t, pendingMgr, 1)

	// Step 2 is not active yet, so the admin has nothing to do.
	pendingAdm, err := env.svc.PendingFor(context.Background(), admin)
	require.NoError(t, err)
	assert.Empty(t, pendingAdm)

	_, err = env.svc.Approve(context.Background(), manager, req.ID, 1, "ok")
	require.NoError(t, err)

	pendingAdm, err = env.svc.PendingFor(context.Background(), admin)
	require.NoError(t, err)
	assert.Len(t, pendingAdm, 1)
}

// ── Expiry sweep ──────────────────────────────────────────────────────────────

func TestSweepExpiredCancelsStaleRequests(t *testing.T) {
	env := newTestEnv(estimateFlow())
	req := env.submit(t, "est-1")
	fresh := env.submit(t, "est-2")

	past := time.Now().Add(-time.Hour)
	env.requests.requests[req.ID].ExpiresAt = &past

	n, err := env.svc.SweepExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := env.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, stale.Status)
	require.NotNil(t, stale.CancelledBy)
	assert.Equal(t, "system", *stale.CancelledBy)

	untouched, err := env.svc.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, untouched.Status)
}

// ── End to end ────────────────────────────────────────────────────────────────

func TestEndToEndTwoStepFlow(t *testing.T) {
	env := newTestEnv(estimateFlow())

	req := env.submit(t, "est-final")
	assert.Equal(t, 1, req.CurrentStep)
	assert.Equal(t, repository.StatusPending, req.Status)

	res, err := env.svc.Approve(context.Background(), manager, req.ID, 1, "looks good")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, res.Status)
	assert.Equal(t, 2, res.CurrentStep)

	res, err = env.svc.Reject(context.Background(), admin, req.ID, 2, "budget exceeded")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, res.Status)

	_, err = env.svc.Approve(context.Background(), admin, req.ID, 2, "retry")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	history, err := env.svc.History(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, repository.ActionApprove, history[0].Action)
	assert.Equal(t, 1, history[0].Step)
	assert.Equal(t, "looks good", history[0].Comment)
	assert.Equal(t, repository.ActionReject, history[1].Action)
	assert.Equal(t, 2, history[1].Step)
	assert.Equal(t, "budget exceeded", history[1].Comment)

	// Notifications: submission, step 1 activation, step 2 activation,
	// terminal event.
	events := env.notifier.events
	require.Len(t, events, 4)
	assert.Equal(t, notifierEvent{event: "request_submitted"}, events[0])
	assert.Equal(t, notifierEvent{event: "step_activated", step: 1}, events[1])
	assert.Equal(t, notifierEvent{event: "step_activated", step: 2}, events[2])
	assert.Equal(t, "request_rejected", events[3].event)
}
