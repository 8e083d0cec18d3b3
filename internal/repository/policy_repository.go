package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/condition"
	"github.com/nexigo/be-bp-approvals/internal/database"
)

// PolicyRepository reads and writes access_policies rows. The decision
// engine only ever reads; writes exist for administration and seeding.
type PolicyRepository struct {
	db *database.DB
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *database.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `
	id, name, business_code, action, resource_type,
	conditions, scope, effect, priority,
	is_active, is_system, created_at, updated_at`

// ListActive returns the active policies for a (business_code, action,
// resource_type) triple, ordered by priority descending with ties broken by
// lowest id for determinism.
func (r *PolicyRepository) ListActive(ctx context.Context, businessCode, action, resourceType string) ([]*AccessPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM access_policies
		WHERE business_code = $1
		  AND action = $2
		  AND resource_type = $3
		  AND is_active = TRUE
		ORDER BY priority DESC, id ASC
	`

	rows, err := r.db.Query(ctx, query, businessCode, action, resourceType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list access policies")
	}
	defer rows.Close()

	var policies []*AccessPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// GetByID retrieves a policy by primary key.
func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*AccessPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM access_policies WHERE id = $1`

	p, err := scanPolicy(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("access_policy", id)
	}
	return p, err
}

// Create inserts a new policy. The condition trees are validated before the
// row is written so evaluation never sees a malformed tree.
func (r *PolicyRepository) Create(ctx context.Context, p *AccessPolicy) error {
	if err := condition.Validate(p.Conditions); err != nil {
		return err
	}
	if err := condition.Validate(p.Scope); err != nil {
		return err
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return apperrors.InvalidInput("effect", "must be allow or deny")
	}

	conditionsJSON, scopeJSON, err := marshalPolicyTrees(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO access_policies
		    (name, business_code, action, resource_type,
		     conditions, scope, effect, priority, is_active, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		p.Name, p.BusinessCode, p.Action, p.ResourceType,
		conditionsJSON, scopeJSON, p.Effect, p.Priority, p.IsActive, p.IsSystem,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// Update persists changes to a non-system policy. System policies are
// immutable.
func (r *PolicyRepository) Update(ctx context.Context, p *AccessPolicy) error {
	if err := condition.Validate(p.Conditions); err != nil {
		return err
	}
	if err := condition.Validate(p.Scope); err != nil {
		return err
	}

	conditionsJSON, scopeJSON, err := marshalPolicyTrees(p)
	if err != nil {
		return err
	}

	query := `
		UPDATE access_policies
		SET name          = $2,
		    business_code = $3,
		    action        = $4,
		    resource_type = $5,
		    conditions    = $6,
		    scope         = $7,
		    effect        = $8,
		    priority      = $9,
		    is_active     = $10,
		    updated_at    = NOW()
		WHERE id = $1
		  AND is_system = FALSE
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		p.ID, p.Name, p.BusinessCode, p.Action, p.ResourceType,
		conditionsJSON, scopeJSON, p.Effect, p.Priority, p.IsActive,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.New(apperrors.CodeForbidden, "policy is missing or system-managed")
	}
	return err
}

// Delete removes a non-system policy.
func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM access_policies WHERE id = $1 AND is_system = FALSE`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete policy")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.CodeForbidden, "policy is missing or system-managed")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalPolicyTrees(p *AccessPolicy) (conditionsJSON, scopeJSON []byte, err error) {
	if p.Conditions != nil {
		if conditionsJSON, err = json.Marshal(p.Conditions); err != nil {
			return nil, nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal policy conditions")
		}
	}
	if p.Scope != nil {
		if scopeJSON, err = json.Marshal(p.Scope); err != nil {
			return nil, nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal policy scope")
		}
	}
	return conditionsJSON, scopeJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*AccessPolicy, error) {
	p := &AccessPolicy{}
	var conditionsJSON, scopeJSON []byte

	err := row.Scan(
		&p.ID, &p.Name, &p.BusinessCode, &p.Action, &p.ResourceType,
		&conditionsJSON, &scopeJSON, &p.Effect, &p.Priority,
		&p.IsActive, &p.IsSystem, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.Conditions, err = condition.Parse(conditionsJSON); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "stored policy conditions are malformed")
	}
	if p.Scope, err = condition.Parse(scopeJSON); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "stored policy scope is malformed")
	}
	return p, nil
}
