// Package condition implements the recursive boolean condition trees shared
// by access policies and approval flows. A tree is parsed from its JSON
// document once at the boundary, is immutable afterwards, and is evaluated
// against a flat context map. Evaluation is pure and safe for concurrent use.
package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// GroupOperator combines the results of a group's child rules.
type GroupOperator string

const (
	OpAnd GroupOperator = "and"
	OpOr  GroupOperator = "or"
)

// LeafOperator compares a context field against a rule value.
type LeafOperator string

const (
	OpEq     LeafOperator = "eq"
	OpNe     LeafOperator = "ne"
	OpGt     LeafOperator = "gt"
	OpGte    LeafOperator = "gte"
	OpLt     LeafOperator = "lt"
	OpLte    LeafOperator = "lte"
	OpIn     LeafOperator = "in"
	OpNin    LeafOperator = "nin"
	OpExists LeafOperator = "exists"
	OpRegex  LeafOperator = "regex"
)

// leafOperators is the closed set of recognized leaf operators.
var leafOperators = map[LeafOperator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpExists: true, OpRegex: true,
}

// Node is one node of a condition tree: a group (GroupOp + Rules) or a
// leaf (Field + Op + Value). The two forms share one wire document —
// {"operator": ..., "rules": [...]} vs {"field": ..., "operator": ...,
// "value": ...} — and are told apart by the presence of "rules".
type Node struct {
	// Group form.
	GroupOp GroupOperator
	Rules   []*Node

	// Leaf form.
	Field string
	Op    LeafOperator
	Value any
}

// nodeDoc is the shared wire shape for both node forms.
type nodeDoc struct {
	Operator string            `json:"operator"`
	Rules    []json.RawMessage `json:"rules,omitempty"`
	Field    string            `json:"field,omitempty"`
	Value    any               `json:"value,omitempty"`
}

// IsGroup reports whether the node is a group node.
func (n *Node) IsGroup() bool { return n != nil && n.GroupOp != "" }

// UnmarshalJSON decodes the shared wire shape into the tagged union. A
// document with a "rules" array or a group operator is a group; anything
// else is a leaf.
func (n *Node) UnmarshalJSON(data []byte) error {
	var doc nodeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	if doc.Rules != nil || doc.Operator == string(OpAnd) || doc.Operator == string(OpOr) {
		n.GroupOp = GroupOperator(doc.Operator)
		n.Rules = make([]*Node, 0, len(doc.Rules))
		for _, raw := range doc.Rules {
			child := &Node{}
			if err := json.Unmarshal(raw, child); err != nil {
				return err
			}
			n.Rules = append(n.Rules, child)
		}
		return nil
	}

	n.Field = doc.Field
	n.Op = LeafOperator(doc.Operator)
	n.Value = doc.Value
	return nil
}

// MarshalJSON emits the same wire shape Parse accepts.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.IsGroup() {
		return json.Marshal(struct {
			Operator GroupOperator `json:"operator"`
			Rules    []*Node       `json:"rules"`
		}{n.GroupOp, n.Rules})
	}
	return json.Marshal(struct {
		Operator LeafOperator `json:"operator"`
		Field    string       `json:"field"`
		Value    any          `json:"value,omitempty"`
	}{n.Op, n.Field, n.Value})
}

// Group builds a group node.
func Group(op GroupOperator, rules ...*Node) *Node {
	return &Node{GroupOp: op, Rules: rules}
}

// Leaf builds a leaf node.
func Leaf(field string, op LeafOperator, value any) *Node {
	return &Node{Field: field, Op: op, Value: value}
}

// Parse decodes a condition tree document. A nil, empty or "{}" document
// yields a nil tree, which callers treat as "matches unconditionally". The
// returned tree is validated; malformed documents are rejected here so
// evaluation never sees them.
func Parse(doc []byte) (*Node, error) {
	if len(doc) == 0 || string(doc) == "null" || string(doc) == "{}" {
		return nil, nil
	}
	n := &Node{}
	if err := json.Unmarshal(doc, n); err != nil {
		return nil, fmt.Errorf("parse condition tree: %w", err)
	}
	if err := Validate(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Evaluate walks the tree against ctx and returns the boolean outcome.
// A nil tree matches unconditionally. Absent fields never error: every
// operator treats a missing field as a non-match.
func Evaluate(n *Node, ctx map[string]any) bool {
	if n == nil {
		return true
	}
	if n.IsGroup() {
		return evaluateGroup(n, ctx)
	}
	return evaluateLeaf(n, ctx)
}

func evaluateGroup(n *Node, ctx map[string]any) bool {
	switch n.GroupOp {
	case OpAnd:
		for _, child := range n.Rules {
			if !Evaluate(child, ctx) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range n.Rules {
			if Evaluate(child, ctx) {
				return true
			}
		}
		return false
	}
	return false
}

func evaluateLeaf(n *Node, ctx map[string]any) bool {
	val, present := ctx[n.Field]

	if n.Op == OpExists {
		return present && val != nil
	}
	if !present || val == nil {
		return false
	}

	switch n.Op {
	case OpEq:
		return scalarEquals(val, n.Value)
	case OpNe:
		return !scalarEquals(val, n.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareNumeric(n.Op, val, n.Value)
	case OpIn:
		return memberOf(val, n.Value)
	case OpNin:
		return !memberOf(val, n.Value)
	case OpRegex:
		pattern, ok := n.Value.(string)
		if !ok {
			return false
		}
		matched, err := regexp.MatchString(pattern, stringForm(val))
		return err == nil && matched
	}
	return false
}

// scalarEquals compares two scalars after normalization: values that both
// read as numbers compare numerically (so 5 == 5.0 == "5" regardless of
// whether they arrived via JSON or a query string), booleans compare as
// booleans, everything else compares by string form.
func scalarEquals(a, b any) bool {
	if an, aok := toFloat(a); aok {
		if bn, bok := toFloat(b); bok {
			return an == bn
		}
		return false
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
		return false
	}
	return stringForm(a) == stringForm(b)
}

func compareNumeric(op LeafOperator, a, b any) bool {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return an > bn
	case OpGte:
		return an >= bn
	case OpLt:
		return an < bn
	case OpLte:
		return an <= bn
	}
	return false
}

// memberOf tests set membership where set is a JSON array.
func memberOf(val, set any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if scalarEquals(val, item) {
			return true
		}
	}
	return false
}

// toFloat coerces the numeric shapes that reach the evaluator: native Go
// numbers from callers, float64 and json.Number from decoded JSON, and
// numeric strings from request snapshots.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringForm(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
