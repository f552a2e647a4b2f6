package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/jobserv-ci/jobserv/internal/domain"
)

// bearerToken extracts the caller's credential: the apikey query arg or an
// "Authorization: Token <value>" header.
func bearerToken(r *http.Request) string {
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if v, ok := strings.CutPrefix(auth, "Token "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// runAuthorized reports whether the request carries the run's api key,
// compared in constant time.
func runAuthorized(r *http.Request, run *domain.Run) bool {
	token := bearerToken(r)
	if token == "" || run.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(run.APIKey)) == 1
}

// TokenAuth guards the administrative surface with a single shared token,
// compared in constant time.
func TokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearerToken(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				jsendFail(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// workerAuthorized checks the worker's credential against its stored bcrypt
// hash.
func workerAuthorized(r *http.Request, w *domain.Worker) bool {
	token := bearerToken(r)
	if token == "" || w.APIKeyHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(w.APIKeyHash), []byte(token)) == nil
}
