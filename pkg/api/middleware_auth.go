package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authBypassPaths are reachable without credentials so orchestrator
// probes keep working when auth is on.
var authBypassPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
}

// authMiddleware enforces HTTP basic auth against the configured bcrypt
// hash. The username is ignored; only the password is checked. An empty
// hash disables auth entirely.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.passwordHash == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authBypassPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		_, pass, ok := r.BasicAuth()
		if ok && bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(pass)) == nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="sinkhole", charset="UTF-8"`)
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
	})
}
