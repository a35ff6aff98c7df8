package middleware

import (
	"context"
	"net/http"
	"strings"

	careAuth "github.com/MrEthical07/careAuth"
)

type principalContextKey struct{}

type tokenContextKey struct{}

// PrincipalFromContext returns the principal stored by Guard.
func PrincipalFromContext(ctx context.Context) (*careAuth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*careAuth.Principal)
	return p, ok
}

// TokenFromContext returns the bearer token accepted by Guard.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenContextKey{}).(string)
	return token, ok && token != ""
}

// Guard rejects requests without a valid session token.
func Guard(engine *careAuth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, careAuth.ErrEngineNotReady)
				return
			}

			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				WriteError(w, careAuth.ErrUnauthenticated)
				return
			}

			p, err := engine.ValidateSession(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey{}, p)
			ctx = context.WithValue(ctx, tokenContextKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOperation asks the engine's gate for operation before next runs.
// Behind Guard it reuses the accepted token; on its own it runs Guard first.
func RequireOperation(engine *careAuth.Engine, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		check := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, _ := TokenFromContext(r.Context())
			p, err := engine.Authorize(r.Context(), token, operation, nil)
			if err != nil {
				WriteError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
		guarded := Guard(engine)(check)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := TokenFromContext(r.Context()); ok && engine != nil {
				check.ServeHTTP(w, r)
				return
			}
			guarded.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
