package repository

import (
	"time"

	"github.com/nexigo/be-bp-approvals/internal/condition"
	"github.com/nexigo/be-bp-approvals/internal/identity"
)

// ── Access policies ──────────────────────────────────────────────────────────

// Effect is a policy's contribution to an access decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// AccessPolicy is one ABAC policy row. Conditions and Scope are parsed once
// when the row is scanned and are immutable afterwards. System policies are
// seeded data and may not be updated or deleted.
type AccessPolicy struct {
	ID           string
	Name         string
	BusinessCode string
	Action       string
	ResourceType string
	Conditions   *condition.Node
	Scope        *condition.Node // optional extra filter, nil when absent
	Effect       Effect
	Priority     int
	IsActive     bool
	IsSystem     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ── Approval flows ───────────────────────────────────────────────────────────

// FlowStep is one stage of an approval flow, stored in the flow's
// approval_steps JSONB array. Step numbers are unique within a flow and are
// evaluated ascending; step 0 is a valid pre-step.
type FlowStep struct {
	Step      int             `json:"step"`
	Name      string          `json:"name"`
	Approvers []identity.Spec `json:"approvers"`
	Condition *condition.Node `json:"condition,omitempty"`
}

// ApprovalFlow is a reusable template of ordered steps plus the selection
// condition and eligible requesters. Smaller Priority wins selection.
type ApprovalFlow struct {
	ID         string
	Name       string
	FlowType   string
	Conditions *condition.Node // selection rule; nil matches unconditionally
	Requesters []identity.Spec // empty = any subject may open a request
	Steps      []FlowStep
	Priority   int
	IsActive   bool
	IsSystem   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ── Approval requests ────────────────────────────────────────────────────────

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusReturned  RequestStatus = "returned"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further action is possible from this status.
// RETURNED is deliberately non-terminal: the requester may resubmit.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// ApprovalRequest is one approval attempt for one business object. It is
// mutated only by the approval service, under a row lock.
type ApprovalRequest struct {
	ID          string
	FlowID      string
	RequestType string
	RequestID   string // reference to the business object under approval
	CurrentStep int
	Status      RequestStatus
	SubStatus   string
	RequestData map[string]any // snapshot used for condition evaluation
	RequestedBy string
	RequestedAt time.Time
	ApprovedBy  *string
	ApprovedAt  *time.Time
	RejectedBy  *string
	RejectedAt  *time.Time
	ReturnedBy  *string
	ReturnedAt  *time.Time
	CancelledBy *string
	CancelledAt *time.Time
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ── Approval history ─────────────────────────────────────────────────────────

// HistoryAction is the kind of one audit trail entry.
type HistoryAction string

const (
	ActionApprove  HistoryAction = "approve"
	ActionReject   HistoryAction = "reject"
	ActionReturn   HistoryAction = "return"
	ActionCancel   HistoryAction = "cancel"
	ActionDelegate HistoryAction = "delegate"
	ActionResubmit HistoryAction = "resubmit"
)

// ApprovalHistory is one append-only audit trail entry. Entries are never
// updated or deleted; step completion checks read them back.
type ApprovalHistory struct {
	ID                string
	ApprovalRequestID string
	Step              int
	Action            HistoryAction
	ActedBy           string
	ActedAt           time.Time
	Comment           string
	DelegatedTo       *string // set only for delegate entries
}
