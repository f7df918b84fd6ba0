// internal/controller/respond.go
package controller

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
)

// errBadRequest marks request validation failures raised by the controllers themselves.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, appErrors.ErrNoRecipients),
		errors.Is(err, appErrors.ErrInvalidPhone),
		errors.Is(err, appErrors.ErrInvalidCredential):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrCampaignAlreadyCompleted),
		errors.Is(err, appErrors.ErrCampaignNotRunnable),
		errors.Is(err, appErrors.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrGatewayNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Join(errBadRequest, errors.New("invalid id"))
	}
	return id, nil
}

// RequireAPIKey guards operator endpoints with "Authorization: Bearer <key>".
// An empty key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
