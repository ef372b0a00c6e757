package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/auth"
	"github.com/pliu/chatty-rooms/internal/models"
)

type contextKey string

const userKey contextKey = "user"

// TokenResolver turns a session token into the live identity.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (*models.User, error)
}

func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated identity, or nil.
func UserFromContext(ctx context.Context) *models.User {
	user, _ := ctx.Value(userKey).(*models.User)
	return user
}

// AuthMiddleware rejects requests without a valid session token.
func AuthMiddleware(ids TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := ids.ResolveToken(r.Context(), auth.TokenFromRequest(r))
			if err != nil {
				rejectAuth(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// OptionalAuthMiddleware attaches the identity when the request carries a
// valid token and passes anonymous requests through unchanged.
func OptionalAuthMiddleware(ids TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := auth.TokenFromRequest(r); token != "" {
				if user, err := ids.ResolveToken(r.Context(), token); err == nil {
					r = r.WithContext(WithUser(r.Context(), user))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rejectAuth answers 401 for bad credentials. Failures to check them,
// such as an unreachable store, keep their own status.
func rejectAuth(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"message":    apperr.Message(err),
	})
}
