package repository

import (
	"context"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/database"
)

// HistoryRepository reads the append-only approval_histories audit trail.
// Writes happen exclusively through RequestTx.AppendHistory so every entry
// commits together with the state change it records.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// ListByRequestID returns the full audit trail for a request, oldest first.
func (r *HistoryRepository) ListByRequestID(ctx context.Context, requestID string) ([]*ApprovalHistory, error) {
	query := `
		SELECT id, approval_request_id, step, action, acted_by, acted_at, comment, delegated_to
		FROM approval_histories
		WHERE approval_request_id = $1
		ORDER BY acted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list approval history")
	}
	defer rows.Close()

	var entries []*ApprovalHistory
	for rows.Next() {
		h := &ApprovalHistory{}
		err := rows.Scan(
			&h.ID, &h.ApprovalRequestID, &h.Step, &h.Action,
			&h.ActedBy, &h.ActedAt, &h.Comment, &h.DelegatedTo,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan approval history")
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
