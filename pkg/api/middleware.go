package api

import (
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs each request with its status and latency.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"remote":   extractIP(r),
			"duration": time.Since(began),
		}).Debug("Request handled")
	})
}

// requireToken checks the bearer token against the configured bcrypt hash.
// Without a configured hash every request is refused.
func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.TokenHash == "" {
			writeJSON(w, http.StatusForbidden,
				errorResponse{"api token not configured"})

			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		if bcrypt.CompareHashAndPassword([]byte(s.cfg.Auth.TokenHash), []byte(token)) != nil {
			s.log.WithField("remote", extractIP(r)).Warn("Rejected api token")
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid api token"})

			return
		}

		next.ServeHTTP(w, r)
	})
}
