// internal/middleware/auth.go

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuthCookie carries the player token.
const AuthCookie = "auth_token"

type ctxKey struct{}

// TokenVerifier turns a token into a player id. *auth.Authority implements it.
type TokenVerifier interface {
	AuthenticateJWT(token string) (uuid.UUID, error)
}

// WithPlayer stores the authenticated player in ctx.
func WithPlayer(ctx context.Context, playerID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, playerID)
}

// PlayerFromContext returns the player stored by Authenticate.
func PlayerFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// TokenFromRequest reads the auth_token cookie, falling back to a bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AuthCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Authenticate rejects requests without a valid player token and stores the player
// id in the request context.
func Authenticate(v TokenVerifier, logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				http.Error(w, "missing auth token", http.StatusUnauthorized)
				return
			}
			playerID, err := v.AuthenticateJWT(token)
			if err != nil {
				logger.WithError(err).WithField("remote", r.RemoteAddr).Debug("rejected token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPlayer(r.Context(), playerID)))
		})
	}
}
