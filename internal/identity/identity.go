// Package identity carries the resolved caller identity and the
// approver/requester spec matching that backs both "may this subject open a
// request" and "may this subject act on the current step".
package identity

// Subject is the resolved identity of a caller, supplied by the upstream
// identity provider. DepartmentID and PositionID come from the subject's
// primary employment record and are nil when no such record exists.
type Subject struct {
	UserID       string   `json:"user_id"`
	SystemLevel  string   `json:"system_level"`
	Roles        []string `json:"roles,omitempty"`
	DepartmentID *string  `json:"department_id,omitempty"`
	PositionID   *string  `json:"position_id,omitempty"`
	IsAdmin      bool     `json:"is_admin,omitempty"`
}

// SpecType is the closed set of subject-matching rule kinds.
type SpecType string

const (
	SpecUser        SpecType = "user"
	SpecSystemLevel SpecType = "system_level"
	SpecDepartment  SpecType = "department"
	SpecPosition    SpecType = "position"
)

// Spec matches subjects by one attribute. Specs are embedded in approval
// flows as requester and per-step approver lists; they have no independent
// lifecycle.
type Spec struct {
	Type        SpecType `json:"type"`
	Value       string   `json:"value"`
	DisplayName string   `json:"display_name,omitempty"`
}

// Matches reports whether the subject satisfies this one spec. Department
// and position specs never match a subject without an employment record.
func (s Spec) Matches(subject Subject) bool {
	switch s.Type {
	case SpecUser:
		return s.Value == subject.UserID
	case SpecSystemLevel:
		return s.Value == subject.SystemLevel
	case SpecDepartment:
		return subject.DepartmentID != nil && s.Value == *subject.DepartmentID
	case SpecPosition:
		return subject.PositionID != nil && s.Value == *subject.PositionID
	}
	return false
}

// MatchAny reports whether any spec in the list matches the subject. The
// list is always OR semantics: one match is enough.
func MatchAny(specs []Spec, subject Subject) bool {
	for _, s := range specs {
		if s.Matches(subject) {
			return true
		}
	}
	return false
}

// ValidTypes returns true when every spec in the list names a known type.
// Unknown types are a flow configuration defect, not a runtime non-match.
func ValidTypes(specs []Spec) bool {
	for _, s := range specs {
		switch s.Type {
		case SpecUser, SpecSystemLevel, SpecDepartment, SpecPosition:
		default:
			return false
		}
	}
	return true
}
