package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/yuan-cloud/resofleur/pkg/httpx"
)

type Principal struct {
	UserID string
	Email  string
}

type contextKey string

const principalContextKey contextKey = "resofleur.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Middleware extracts and validates the bearer token, placing the caller's
// Principal in the request context. Absence or malformation yields 401.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.ErrorKind(w, http.StatusUnauthorized, "AUTHENTICATION_FAILED", "Not authenticated")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := ParseToken(secret, token)
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, ErrTokenExpired) {
					msg = "Token expired"
				}
				httpx.ErrorKind(w, http.StatusUnauthorized, "AUTHENTICATION_FAILED", msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				UserID: claims.Subject,
				Email:  claims.Email,
			})))
		})
	}
}
