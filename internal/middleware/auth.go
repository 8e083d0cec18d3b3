package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexigo/be-bp-approvals/internal/identity"
)

const subjectKey contextKey = "subject"

// SubjectClaims is the JWT payload the upstream identity provider issues.
// Department and position come from the subject's primary employment record
// and are absent when the subject has none.
type SubjectClaims struct {
	SystemLevel  string   `json:"system_level"`
	Roles        []string `json:"roles,omitempty"`
	DepartmentID string   `json:"department_id,omitempty"`
	PositionID   string   `json:"position_id,omitempty"`
	IsAdmin      bool     `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates the bearer token and stores the resolved Subject in the
// request context. The engine itself never touches ambient identity; every
// call below this middleware receives the Subject explicitly.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"missing or invalid Authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims := &SubjectClaims{}
			token, err := jwt.ParseWithClaims(
				strings.TrimPrefix(header, "Bearer "),
				claims,
				func(t *jwt.Token) (any, error) { return []byte(secret), nil },
				jwt.WithValidMethods([]string{"HS256"}),
			)
			if err != nil || !token.Valid || claims.Subject == "" {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			subject := identity.Subject{
				UserID:      claims.Subject,
				SystemLevel: claims.SystemLevel,
				Roles:       claims.Roles,
				IsAdmin:     claims.IsAdmin,
			}
			if claims.DepartmentID != "" {
				subject.DepartmentID = &claims.DepartmentID
			}
			if claims.PositionID != "" {
				subject.PositionID = &claims.PositionID
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFrom returns the Subject stored by Auth, and whether one exists.
func SubjectFrom(ctx context.Context) (identity.Subject, bool) {
	s, ok := ctx.Value(subjectKey).(identity.Subject)
	return s, ok
}
