package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"lms/internal/httpjson"
)

// ErrUnknownSubject is returned by a RoleLookup when the token's member no
// longer exists.
var ErrUnknownSubject = errors.New("token subject no longer exists")

// RoleLookup returns the role currently on record for a member.
type RoleLookup func(ctx context.Context, memberID uuid.UUID) (string, error)

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext returns the caller stored by Middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token.
func Middleware(issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
				return
			}

			id, err := issuer.Verify(token)
			if err != nil {
				httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", ErrInvalidToken.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// CurrentRole replaces the role carried by the token with the one on record,
// so promotions and demotions apply before the token expires. It must run
// after Middleware.
func CurrentRole(lookup RoleLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated")
				return
			}
			role, err := lookup(r.Context(), id.MemberID)
			switch {
			case errors.Is(err, ErrUnknownSubject):
				httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
				return
			case err != nil:
				httpjson.Error(w, http.StatusInternalServerError, "INTERNAL", "could not resolve caller")
				return
			}
			id.Role = role
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole must run after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				httpjson.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated")
				return
			}
			if id.Role != role {
				httpjson.Error(w, http.StatusForbidden, "FORBIDDEN", "requires role "+role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
