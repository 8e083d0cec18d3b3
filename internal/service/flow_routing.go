package service

import (
	"sort"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
	"github.com/nexigo/be-bp-approvals/internal/condition"
	"github.com/nexigo/be-bp-approvals/internal/repository"
)

// SelectFlow picks the applicable flow for a new request. Candidates must
// already be ordered by ascending priority with ties broken by lowest id
// (FlowRepository.ListActiveByType returns them that way); the first whose
// selection condition matches the request data wins. A flow without a
// condition matches unconditionally. Returns nil when nothing matches —
// a normal outcome, not a defect.
func SelectFlow(candidates []*repository.ApprovalFlow, requestData map[string]any) *repository.ApprovalFlow {
	for _, f := range candidates {
		if condition.Evaluate(f.Conditions, requestData) {
			return f
		}
	}
	return nil
}

// ResolveSteps filters a flow's steps down to the ones applicable to this
// request's data, ordered ascending by step number. A step with a condition
// that evaluates false is dropped (threshold-gated steps). An empty result
// is a configuration defect: a flow must always yield at least one
// effective step for a real request.
func ResolveSteps(flow *repository.ApprovalFlow, requestData map[string]any) ([]repository.FlowStep, error) {
	steps := make([]repository.FlowStep, 0, len(flow.Steps))
	for _, step := range flow.Steps {
		if condition.Evaluate(step.Condition, requestData) {
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		return nil, apperrors.Configuration("flow has no applicable steps for this request")
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Step < steps[j].Step })
	return steps, nil
}

// stepByNumber finds the step with the given number in a resolved list.
func stepByNumber(steps []repository.FlowStep, n int) (repository.FlowStep, bool) {
	for _, s := range steps {
		if s.Step == n {
			return s, true
		}
	}
	return repository.FlowStep{}, false
}

// nextStepAfter returns the first resolved step with a number greater than
// current, or false when current is the last applicable step.
func nextStepAfter(steps []repository.FlowStep, current int) (repository.FlowStep, bool) {
	for _, s := range steps {
		if s.Step > current {
			return s, true
		}
	}
	return repository.FlowStep{}, false
}
