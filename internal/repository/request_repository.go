package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/database"
)

// RequestRepository manages approval_requests rows. All state-changing
// access to a request goes through Transition, which serializes the
// read-decide-write sequence for one request id behind a row lock.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `
	id, approval_flow_id, request_type, request_id,
	current_step, status, sub_status, request_data,
	requested_by, requested_at,
	approved_by, approved_at, rejected_by, rejected_at,
	returned_by, returned_at, cancelled_by, cancelled_at,
	expires_at, created_at, updated_at`

// Create inserts a new approval request.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	dataJSON, err := json.Marshal(req.RequestData)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal request data")
	}

	query := `
		INSERT INTO approval_requests
		    (approval_flow_id, request_type, request_id,
		     current_step, status, sub_status, request_data,
		     requested_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, requested_at, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		req.FlowID, req.RequestType, req.RequestID,
		req.CurrentStep, req.Status, req.SubStatus, dataJSON,
		req.RequestedBy, req.ExpiresAt,
	).Scan(&req.ID, &req.RequestedAt, &req.CreatedAt, &req.UpdatedAt)
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// ListPending returns all pending requests, oldest first. The caller
// narrows the result down to a specific subject via approver matching.
func (r *RequestRepository) ListPending(ctx context.Context) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		ORDER BY requested_at ASC
	`
	return r.queryRequests(ctx, query)
}

// ListByRequester returns all requests opened by a user, newest first.
func (r *RequestRepository) ListByRequester(ctx context.Context, userID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE requested_by = $1
		ORDER BY requested_at DESC
	`
	return r.queryRequests(ctx, query, userID)
}

// ListExpired returns pending requests whose expires_at has passed.
func (r *RequestRepository) ListExpired(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at ASC
	`
	return r.queryRequests(ctx, query, now)
}

// HasOpenRequest reports whether a pending or returned request already
// exists for a business object. Used to stop duplicate approval attempts.
func (r *RequestRepository) HasOpenRequest(ctx context.Context, requestType, requestID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM approval_requests
			WHERE request_type = $1
			  AND request_id = $2
			  AND status IN ('pending', 'returned')
		)
	`
	var exists bool
	err := r.db.QueryRow(ctx, query, requestType, requestID).Scan(&exists)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeInternal, "failed to check for open request")
	}
	return exists, nil
}

// Txn is the handle a transition callback receives. Every operation runs on
// the transaction holding the request's row lock, so the read-decide-write
// sequence for one request is serialized.
type Txn interface {
	// Request returns the locked row's current state. Mutations become
	// durable when Save is called.
	Request() *ApprovalRequest
	// Save writes the mutated request state back to the locked row.
	Save(ctx context.Context) error
	// AppendHistory inserts one audit trail entry.
	AppendHistory(ctx context.Context, h *ApprovalHistory) error
	// StepApprovalCount counts approve entries recorded for a step,
	// including any appended earlier in this transaction.
	StepApprovalCount(ctx context.Context, step int) (int, error)
	// StepDelegates returns the users a step has been delegated to.
	StepDelegates(ctx context.Context, step int) ([]string, error)
}

// Transition locks the request row, hands the current state to fn, and
// commits whatever fn saved. Two actors racing on one request serialize
// here; different requests never contend.
func (r *RequestRepository) Transition(ctx context.Context, id string, fn func(tx Txn) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1 FOR UPDATE`

		req, err := scanRequest(tx.QueryRow(ctx, query, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("approval_request", id)
		}
		if err != nil {
			return err
		}

		return fn(&RequestTx{tx: tx, req: req})
	})
}

func (r *RequestRepository) queryRequests(ctx context.Context, query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// ── locked transaction handle ────────────────────────────────────────────────

// RequestTx implements Txn on a live pgx transaction.
type RequestTx struct {
	tx  pgx.Tx
	req *ApprovalRequest
}

func (t *RequestTx) Request() *ApprovalRequest { return t.req }

func (t *RequestTx) Save(ctx context.Context) error {
	query := `
		UPDATE approval_requests
		SET current_step = $2,
		    status       = $3,
		    sub_status   = $4,
		    approved_by  = $5, approved_at  = $6,
		    rejected_by  = $7, rejected_at  = $8,
		    returned_by  = $9, returned_at  = $10,
		    cancelled_by = $11, cancelled_at = $12,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := t.tx.QueryRow(ctx, query,
		t.req.ID, t.req.CurrentStep, t.req.Status, t.req.SubStatus,
		t.req.ApprovedBy, t.req.ApprovedAt,
		t.req.RejectedBy, t.req.RejectedAt,
		t.req.ReturnedBy, t.req.ReturnedAt,
		t.req.CancelledBy, t.req.CancelledAt,
	).Scan(&t.req.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to save approval request")
	}
	return nil
}

// AppendHistory inserts one audit trail entry within the locked transaction.
func (t *RequestTx) AppendHistory(ctx context.Context, h *ApprovalHistory) error {
	query := `
		INSERT INTO approval_histories
		    (approval_request_id, step, action, acted_by, comment, delegated_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, acted_at
	`

	err := t.tx.QueryRow(ctx, query,
		h.ApprovalRequestID, h.Step, h.Action, h.ActedBy, h.Comment, h.DelegatedTo,
	).Scan(&h.ID, &h.ActedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to append approval history")
	}
	return nil
}

// StepApprovalCount counts the approve entries recorded for a step of this
// request, including any appended earlier in this transaction.
func (t *RequestTx) StepApprovalCount(ctx context.Context, step int) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM approval_histories
		WHERE approval_request_id = $1
		  AND step = $2
		  AND action = 'approve'
	`
	var count int
	if err := t.tx.QueryRow(ctx, query, t.req.ID, step).Scan(&count); err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to count step approvals")
	}
	return count, nil
}

// StepDelegates returns the users a step has been delegated to.
func (t *RequestTx) StepDelegates(ctx context.Context, step int) ([]string, error) {
	query := `
		SELECT delegated_to
		FROM approval_histories
		WHERE approval_request_id = $1
		  AND step = $2
		  AND action = 'delegate'
		  AND delegated_to IS NOT NULL
	`
	rows, err := t.tx.Query(ctx, query, t.req.ID, step)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list step delegates")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ── scan helper ──────────────────────────────────────────────────────────────

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var dataJSON []byte

	err := row.Scan(
		&req.ID, &req.FlowID, &req.RequestType, &req.RequestID,
		&req.CurrentStep, &req.Status, &req.SubStatus, &dataJSON,
		&req.RequestedBy, &req.RequestedAt,
		&req.ApprovedBy, &req.ApprovedAt, &req.RejectedBy, &req.RejectedAt,
		&req.ReturnedBy, &req.ReturnedAt, &req.CancelledBy, &req.CancelledAt,
		&req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &req.RequestData); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal request data")
		}
	}
	return req, nil
}
