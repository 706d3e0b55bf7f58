package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/loomworks/loom/internal/logger"
)

// Middleware creates HTTP middleware for authentication.
// Only Bearer token authentication is supported; these responses happen
// before any event frame is sent.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			if !strings.HasPrefix(header, "Bearer ") {
				jsonError(w, "Authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			tokenID := strings.TrimPrefix(header, "Bearer ")
			token, err := store.ValidateToken(tokenID)
			if err != nil {
				logger.Info("token validation failed", "error", err)
				jsonError(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			authContext := &AuthContext{
				Type:  AuthTypeToken,
				Token: token,
			}
			logger.Debug("authenticated", "token", maskToken(tokenID), "user_id", token.UserID)

			ctx := WithContext(r.Context(), authContext)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AllowanceMiddleware rejects requests whose monthly token allowance is
// exhausted. Must be applied after Middleware.
func AllowanceMiddleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx != nil && authCtx.Token != nil {
				exceeded, err := store.AllowanceExceeded(authCtx.Token)
				if err != nil {
					logger.Error("allowance check failed", "error", err)
				} else if exceeded {
					jsonError(w, "Monthly usage allowance exceeded", http.StatusPaymentRequired)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"status":  status,
			"message": message,
		},
	})
}

func maskToken(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}
