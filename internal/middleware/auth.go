package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/campusevent/internal/auth"
)

// TokenHeader carries the session token issued at login.
const TokenHeader = "X-My-Token"

// SessionResolver maps a session token to an account id.
type SessionResolver interface {
	Resolve(token string) (int64, bool)
}

// RequireSession resolves the session token and populates AuthContext.
// Resolving a token also extends its lifetime.
func RequireSession(sessions SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(TokenHeader)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing session token")
				return
			}

			accountID, ok := sessions.Resolve(token)
			if !ok {
				writeError(w, http.StatusUnauthorized, "session expired")
				return
			}

			ctx := auth.WithAuth(r.Context(), auth.AuthContext{
				AccountID: accountID,
				Token:     token,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
