package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireBasicAuth rejects requests without valid basic auth credentials.
func (s *server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="cloudarchive"`)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkCredentials compares password with the stored bcrypt hash.
func (s *server) checkCredentials(username, password string) bool {
	hash, ok := s.users[username]
	if !ok {
		return false
	}

	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
