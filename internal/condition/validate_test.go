package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
)

func TestCheckValidTrees(t *testing.T) {
	trees := []*Node{
		nil,
		Leaf("amount", OpGt, 100),
		Leaf("flag", OpExists, nil),
		Group(OpAnd, Leaf("a", OpEq, 1), Group(OpOr, Leaf("b", OpNe, 2))),
		Leaf("dept", OpIn, []any{"finance"}),
		Leaf("code", OpRegex, "^EST-"),
	}
	for _, tree := range trees {
		res := Check(tree)
		assert.True(t, res.Valid, "errors: %v", res.Errors)
	}
}

func TestCheckEmptyGroup(t *testing.T) {
	res := Check(&Node{GroupOp: OpAnd})
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "group has no rules")
}

func TestCheckUnknownOperators(t *testing.T) {
	res := Check(&Node{GroupOp: "xor", Rules: []*Node{Leaf("a", OpEq, 1)}})
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], `unknown group operator "xor"`)

	res = Check(Leaf("a", "like", "x"))
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], `unknown leaf operator "like"`)
}

func TestCheckLeafMissingField(t *testing.T) {
	res := Check(&Node{Op: OpEq, Value: 1})
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "leaf is missing a field")
}

func TestCheckErrorsArePathPrefixed(t *testing.T) {
	tree := Group(OpAnd,
		Leaf("ok", OpEq, 1),
		Leaf("ok2", OpEq, 2),
		Group(OpOr,
			&Node{Op: OpEq, Value: 3}, // missing field
		),
	)

	res := Check(tree)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "rules[2].rules[0]")
}

func TestCheckMembershipValueMustBeArray(t *testing.T) {
	res := Check(Leaf("dept", OpIn, "finance"))
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "in value must be an array")
}

func TestCheckBadRegexPattern(t *testing.T) {
	res := Check(Leaf("code", OpRegex, "("))
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0], "invalid regex pattern")
}

func TestCheckCollectsAllViolations(t *testing.T) {
	tree := Group(OpAnd,
		&Node{Op: "like", Value: 1},
		Leaf("dept", OpIn, 5),
	)

	res := Check(tree)
	require.False(t, res.Valid)
	assert.GreaterOrEqual(t, len(res.Errors), 3)
}

func TestValidateReturnsTypedError(t *testing.T) {
	err := Validate(&Node{GroupOp: OpAnd})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(Leaf("a", OpEq, 1)))
}
