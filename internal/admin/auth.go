package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/orderedsub/orderedsub/internal/auth"
)

type claimsKey struct{}

// requireRole rejects requests without a valid bearer token carrying one of
// roles
func (s *Service) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respondError(w, http.StatusUnauthorized, "Bearer token required")
				return
			}

			claims, err := s.tokens.Validate(token)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					ctx := context.WithValue(r.Context(), claimsKey{}, claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			respondError(w, http.StatusForbidden, "Insufficient role")
		})
	}
}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}
