package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/condition"
	"github.com/nexigo/be-bp-approvals/internal/database"
	"github.com/nexigo/be-bp-approvals/internal/identity"
)

// FlowRepository reads and writes approval_flows rows. Requester specs and
// step definitions live in JSONB columns and are parsed into their typed
// forms on scan.
type FlowRepository struct {
	db *database.DB
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *database.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

const flowColumns = `
	id, name, flow_type, conditions, requesters, approval_steps,
	priority, is_active, is_system, created_at, updated_at`

// ListActiveByType returns the active flows of a type ordered by ascending
// priority (smaller wins selection) with ties broken by lowest id.
func (r *FlowRepository) ListActiveByType(ctx context.Context, flowType string) ([]*ApprovalFlow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM approval_flows
		WHERE flow_type = $1
		  AND is_active = TRUE
		ORDER BY priority ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, flowType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*ApprovalFlow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// GetByID retrieves a flow by primary key.
func (r *FlowRepository) GetByID(ctx context.Context, id string) (*ApprovalFlow, error) {
	query := `SELECT ` + flowColumns + ` FROM approval_flows WHERE id = $1`

	f, err := scanFlow(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_flow", id)
	}
	return f, err
}

// Create inserts a new flow after validating its selection condition, step
// conditions, step ordering and spec types.
func (r *FlowRepository) Create(ctx context.Context, f *ApprovalFlow) error {
	if err := validateFlow(f); err != nil {
		return err
	}

	conditionsJSON, requestersJSON, stepsJSON, err := marshalFlowDocs(f)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_flows
		    (name, flow_type, conditions, requesters, approval_steps,
		     priority, is_active, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		f.Name, f.FlowType, conditionsJSON, requestersJSON, stepsJSON,
		f.Priority, f.IsActive, f.IsSystem,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
}

// Update persists changes to a non-system flow.
func (r *FlowRepository) Update(ctx context.Context, f *ApprovalFlow) error {
	if err := validateFlow(f); err != nil {
		return err
	}

	conditionsJSON, requestersJSON, stepsJSON, err := marshalFlowDocs(f)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_flows
		SET name           = $2,
		    flow_type      = $3,
		    conditions     = $4,
		    requesters     = $5,
		    approval_steps = $6,
		    priority       = $7,
		    is_active      = $8,
		    updated_at     = NOW()
		WHERE id = $1
		  AND is_system = FALSE
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		f.ID, f.Name, f.FlowType, conditionsJSON, requestersJSON, stepsJSON,
		f.Priority, f.IsActive,
	).Scan(&f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.New(apperrors.CodeForbidden, "flow is missing or system-managed")
	}
	return err
}

// validateFlow checks the structural invariants a flow must satisfy before
// it is stored: sound condition trees, known spec types, and step numbers
// that are unique and non-negative.
func validateFlow(f *ApprovalFlow) error {
	if err := condition.Validate(f.Conditions); err != nil {
		return err
	}
	if !identity.ValidTypes(f.Requesters) {
		return apperrors.InvalidInput("requesters", "unknown requester spec type")
	}
	if len(f.Steps) == 0 {
		return apperrors.InvalidInput("approval_steps", "flow must define at least one step")
	}

	seen := make(map[int]bool, len(f.Steps))
	for _, step := range f.Steps {
		if step.Step < 0 {
			return apperrors.InvalidInput("approval_steps", "step numbers must be >= 0")
		}
		if seen[step.Step] {
			return apperrors.Newf(apperrors.CodeValidation, "duplicate step number %d", step.Step)
		}
		seen[step.Step] = true
		if !identity.ValidTypes(step.Approvers) {
			return apperrors.InvalidInput("approval_steps", "unknown approver spec type")
		}
		if err := condition.Validate(step.Condition); err != nil {
			return err
		}
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalFlowDocs(f *ApprovalFlow) (conditionsJSON, requestersJSON, stepsJSON []byte, err error) {
	if f.Conditions != nil {
		if conditionsJSON, err = json.Marshal(f.Conditions); err != nil {
			return nil, nil, nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal flow conditions")
		}
	}
	if requestersJSON, err = json.Marshal(f.Requesters); err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal flow requesters")
	}
	if stepsJSON, err = json.Marshal(f.Steps); err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal flow steps")
	}
	return conditionsJSON, requestersJSON, stepsJSON, nil
}

func scanFlow(row rowScanner) (*ApprovalFlow, error) {
	f := &ApprovalFlow{}
	var conditionsJSON, requestersJSON, stepsJSON []byte

	err := row.Scan(
		&f.ID, &f.Name, &f.FlowType, &conditionsJSON, &requestersJSON, &stepsJSON,
		&f.Priority, &f.IsActive, &f.IsSystem, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if f.Conditions, err = condition.Parse(conditionsJSON); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "stored flow conditions are malformed")
	}
	if requestersJSON != nil {
		if err := json.Unmarshal(requestersJSON, &f.Requesters); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "stored flow requesters are malformed")
		}
	}
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &f.Steps); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "stored flow steps are malformed")
		}
	}
	return f, nil
}
