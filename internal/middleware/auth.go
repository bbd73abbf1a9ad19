package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sgd/backend/internal/multitenancy"
)

// Auth resolves the requesting org. Production requests carry a Bearer API
// key (sgd_<id>.<secret>); when allowOrgHeader is set, an X-Org-ID header is
// accepted instead for local development.
type Auth struct {
	orgs           *multitenancy.OrgManager
	allowOrgHeader bool
}

func NewAuth(orgs *multitenancy.OrgManager, allowOrgHeader bool) *Auth {
	return &Auth{orgs: orgs, allowOrgHeader: allowOrgHeader}
}

// Middleware authenticates the request and injects the org ID and API key ID
// into the context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if bearer := bearerToken(r); bearer != "" {
			org, keyID, err := a.orgs.ValidateAPIKey(ctx, bearer)
			if err != nil {
				writeAuthError(w, "invalid or expired API key")
				return
			}
			ctx = multitenancy.WithOrg(ctx, org.ID)
			ctx = multitenancy.WithAPIKeyID(ctx, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if a.allowOrgHeader {
			if orgID := r.Header.Get("X-Org-ID"); orgID != "" {
				if _, err := a.orgs.LoadOrg(ctx, orgID); err != nil {
					writeAuthError(w, "unknown or suspended org")
					return
				}
				next.ServeHTTP(w, r.WithContext(multitenancy.WithOrg(ctx, orgID)))
				return
			}
		}

		writeAuthError(w, "missing API key")
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "auth_error",
		"message": msg,
	})
}
