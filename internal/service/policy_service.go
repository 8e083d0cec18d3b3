package service

import (
	"context"

	"github.com/nexigo/be-bp-approvals/internal/condition"
	"github.com/nexigo/be-bp-approvals/internal/identity"
	"github.com/nexigo/be-bp-approvals/internal/logger"
	"github.com/nexigo/be-bp-approvals/internal/metrics"
	"github.com/nexigo/be-bp-approvals/internal/repository"
)

// PolicyStore loads candidate policies for a decision.
type PolicyStore interface {
	ListActive(ctx context.Context, businessCode, action, resourceType string) ([]*repository.AccessPolicy, error)
}

// Decision is the outcome of one access check.
type Decision struct {
	Effect repository.Effect `json:"effect"`
	// PolicyID and PolicyName identify the policy that settled the
	// decision; both are empty for the default deny.
	PolicyID   string `json:"policy_id,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
	// Matched counts the candidates that matched before the decision
	// settled; a matching deny stops the scan, so later candidates are
	// not counted.
	Matched int `json:"matched"`
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool { return d.Effect == repository.EffectAllow }

// PolicyService is the ABAC decision engine. Every business handler asks it
// before mutating state. Calls are pure given the stored policy set: same
// subject, action and context always produce the same decision.
type PolicyService struct {
	policies PolicyStore
	log      *logger.Logger
}

// NewPolicyService creates a new PolicyService.
func NewPolicyService(policies PolicyStore, log *logger.Logger) *PolicyService {
	return &PolicyService{policies: policies, log: log}
}

// Decide selects the active policies for (businessCode, action,
// resourceType), evaluates each against the merged context, and resolves
// allow/deny with explicit-deny-overrides-allow. No matching policy means
// deny (default closed).
func (s *PolicyService) Decide(
	ctx context.Context,
	subject identity.Subject,
	action, resourceType, businessCode string,
	resource map[string]any,
) (Decision, error) {
	candidates, err := s.policies.ListActive(ctx, businessCode, action, resourceType)
	if err != nil {
		return Decision{}, err
	}

	evalCtx := BuildDecisionContext(subject, action, resourceType, businessCode, resource)
	decision := ResolveDecision(candidates, evalCtx)

	metrics.PolicyDecisions.WithLabelValues(string(decision.Effect)).Inc()
	s.log.Debug().
		Str("business_code", businessCode).
		Str("action", action).
		Str("resource_type", resourceType).
		Str("subject", subject.UserID).
		Str("effect", string(decision.Effect)).
		Int("matched", decision.Matched).
		Msg("access decision")

	return decision, nil
}

// ResolveDecision evaluates candidates (already ordered by priority
// descending, id ascending) and resolves the decision. A policy matches
// when both its conditions and its optional scope filter evaluate true.
// Any matching deny wins over every matching allow; no match denies.
func ResolveDecision(candidates []*repository.AccessPolicy, evalCtx map[string]any) Decision {
	var allow *repository.AccessPolicy
	matched := 0

	for _, p := range candidates {
		if !condition.Evaluate(p.Conditions, evalCtx) || !condition.Evaluate(p.Scope, evalCtx) {
			continue
		}
		matched++
		if p.Effect == repository.EffectDeny {
			return Decision{Effect: repository.EffectDeny, PolicyID: p.ID, PolicyName: p.Name, Matched: matched}
		}
		if allow == nil {
			allow = p
		}
	}

	if allow != nil {
		return Decision{Effect: repository.EffectAllow, PolicyID: allow.ID, PolicyName: allow.Name, Matched: matched}
	}
	return Decision{Effect: repository.EffectDeny, Matched: matched}
}

// BuildDecisionContext merges subject attributes, environment values and
// resource attributes into the flat map condition leaves address. Resource
// attributes sit at the top level; subject and environment values are
// prefixed so policies can reference them without colliding.
func BuildDecisionContext(
	subject identity.Subject,
	action, resourceType, businessCode string,
	resource map[string]any,
) map[string]any {
	evalCtx := make(map[string]any, len(resource)+8)
	for k, v := range resource {
		evalCtx[k] = v
	}

	evalCtx["subject.id"] = subject.UserID
	evalCtx["subject.system_level"] = subject.SystemLevel
	evalCtx["subject.is_admin"] = subject.IsAdmin
	if len(subject.Roles) > 0 {
		evalCtx["subject.roles"] = subject.Roles
	}
	if subject.DepartmentID != nil {
		evalCtx["subject.department_id"] = *subject.DepartmentID
	}
	if subject.PositionID != nil {
		evalCtx["subject.position_id"] = *subject.PositionID
	}

	evalCtx["env.business_code"] = businessCode
	evalCtx["env.action"] = action
	evalCtx["env.resource_type"] = resourceType

	return evalCtx
}
