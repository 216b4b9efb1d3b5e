package server

import (
	"net/http"

	"github.com/tjfontaine/legisdraft/internal/auth"
	"github.com/tjfontaine/legisdraft/internal/codec"
	"github.com/tjfontaine/legisdraft/internal/domain"
)

// AuthMiddleware validates API keys and stores the caller in the request
// context. With no keys configured every request runs as auth.Anonymous.
// CORS preflights pass through unauthenticated.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authenticator == nil || !authenticator.Enabled() || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				codec.WriteError(w, domain.ErrAuthentication(err.Error()))
				return
			}

			caller, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				codec.WriteError(w, domain.ErrAuthentication(err.Error()).WithCode(domain.ErrorCodeInvalidAPIKey))
				return
			}

			AddLogField(r.Context(), "caller", caller.ID)
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
		})
	}
}
