package httpapi

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const callerUserIDKey contextKey = "caller_user_id"

// authMiddleware requires a Bearer JWT and injects the authenticated
// caller's user ID into the request context, the same Authorization-header
// parsing the teacher's AuthMiddleware used, generalized to plain
// context.WithValue with a package-private key instead of a raw string key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}
		userID, err := s.tokens.Verify(parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), callerUserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware checks a bootstrap admin secret (the "X-Admin-Token"
// header) against the bcrypt hash operators provision out of band, the
// same bcrypt.CompareHashAndPassword check the teacher uses for login
// passwords in enhanced_security.go, applied here to a single shared
// operator secret instead of a per-user password.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.adminToken), []byte(token)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerUserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(callerUserIDKey).(int64)
	return id, ok
}

// securityHeaders mirrors the teacher's SecurityMiddleware header set.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
