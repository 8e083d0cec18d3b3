package condition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nexigo/be-bp-approvals/internal/apperrors"
)

// ValidationResult reports whether a tree is structurally sound and lists
// every violation found, with each error prefixed by the path to the
// offending node (for example "rules[2].rules[0]: leaf is missing a field").
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks a full tree and returns a single VALIDATION error listing
// every violation, or nil when the tree is sound. A nil tree is valid (it
// means "no condition").
func Validate(n *Node) error {
	res := Check(n)
	if res.Valid {
		return nil
	}
	return apperrors.New(apperrors.CodeValidation,
		"invalid condition tree: "+strings.Join(res.Errors, "; "))
}

// Check recursively validates a tree without wrapping the outcome in an
// error, for callers that want the full violation list.
func Check(n *Node) ValidationResult {
	var errs []string
	if n != nil {
		checkNode(n, "", &errs)
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func checkNode(n *Node, path string, errs *[]string) {
	if n.IsGroup() {
		checkGroup(n, path, errs)
		return
	}
	checkLeaf(n, path, errs)
}

func checkGroup(n *Node, path string, errs *[]string) {
	if n.GroupOp != OpAnd && n.GroupOp != OpOr {
		*errs = append(*errs, at(path, fmt.Sprintf("unknown group operator %q", n.GroupOp)))
	}
	if len(n.Rules) == 0 {
		*errs = append(*errs, at(path, "group has no rules"))
		return
	}
	for i, child := range n.Rules {
		childPath := fmt.Sprintf("rules[%d]", i)
		if path != "" {
			childPath = path + "." + childPath
		}
		if child == nil {
			*errs = append(*errs, at(childPath, "rule is null"))
			continue
		}
		checkNode(child, childPath, errs)
	}
}

func checkLeaf(n *Node, path string, errs *[]string) {
	if n.Field == "" {
		*errs = append(*errs, at(path, "leaf is missing a field"))
	}
	if !leafOperators[n.Op] {
		*errs = append(*errs, at(path, fmt.Sprintf("unknown leaf operator %q", n.Op)))
	}
	switch n.Op {
	case OpIn, OpNin:
		if _, ok := n.Value.([]any); !ok {
			*errs = append(*errs, at(path, fmt.Sprintf("%s value must be an array", n.Op)))
		}
	case OpRegex:
		pattern, ok := n.Value.(string)
		if !ok {
			*errs = append(*errs, at(path, "regex value must be a string"))
		} else if _, err := regexp.Compile(pattern); err != nil {
			*errs = append(*errs, at(path, fmt.Sprintf("invalid regex pattern: %v", err)))
		}
	}
}

func at(path, msg string) string {
	if path == "" {
		return msg
	}
	return path + ": " + msg
}
