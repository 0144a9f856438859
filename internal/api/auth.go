package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// requireToken guards the data routes. An empty token disables the check so a
// loopback-only deployment can run without one.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok || got == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="feedbackd"`)
				httpError(w, http.StatusUnauthorized, "missing_token", "%s requires a bearer token", r.URL.Path)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Debug("rejected feedback API token", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="feedbackd", error="invalid_token"`)
				httpError(w, http.StatusUnauthorized, "invalid_token", "bearer token does not match server.api_token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
