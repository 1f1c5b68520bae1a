package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jobrunner/geoingest/internal/domain"
)

type callerKey struct{}

// authMiddleware resolves the caller from a bearer token. Requests without
// credentials proceed as anonymous; an unknown token is rejected.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			s.unauthorized(w, "expected a bearer token")
			return
		}
		user, ok := s.lookupToken(strings.TrimSpace(token))
		if !ok {
			s.unauthorized(w, "invalid token")
			return
		}

		caller := domain.Caller{User: user, Authenticated: true}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func (s *Server) lookupToken(token string) (string, bool) {
	for known, user := range s.opts.Tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return user, true
		}
	}
	return "", false
}

func (s *Server) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="geoingest"`)
	s.writeError(w, http.StatusUnauthorized, message)
}

// callerFrom returns the caller resolved by authMiddleware.
func callerFrom(ctx context.Context) domain.Caller {
	if c, ok := ctx.Value(callerKey{}).(domain.Caller); ok {
		return c
	}
	return domain.Anonymous
}
