package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jobserv-ci/jobserv/internal/domain"
	"github.com/jobserv-ci/jobserv/internal/pipeline"
)

// jsend is the response envelope: status is "success" with a data payload,
// "fail" for client errors with a message, "error" for server faults.
type jsend struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("api: encode response", "error", err)
	}
}

func jsendData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, jsend{Status: "success", Data: data})
}

func jsendFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, jsend{Status: "fail", Message: message})
}

// jsendError logs the cause server-side and returns a generic envelope.
func jsendError(w http.ResponseWriter, msg string, err error) {
	slog.Error("api: "+msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, jsend{Status: "error", Message: msg})
}

// storeError maps domain and validation errors to their client signal;
// anything unrecognized becomes a 500.
func storeError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	var serr *pipeline.SynthesisError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		jsendFail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		jsendFail(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &verr), errors.As(err, &serr):
		jsendFail(w, http.StatusBadRequest, err.Error())
	default:
		jsendError(w, "internal error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		jsendFail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

const defaultPageLimit = 25

// parsePage reads limit and page query args with defaults.
func parsePage(r *http.Request) (limit, page int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page = n
		}
	}
	return limit, page
}

// pageData wraps a listing with total, pages, and an absolute next URL when
// another page remains.
func pageData(r *http.Request, key string, items any, total, limit, page int) map[string]any {
	pages := (total + limit - 1) / limit
	data := map[string]any{
		key:     items,
		"total": total,
		"pages": pages,
	}
	if page+1 < pages {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		data["next"] = fmt.Sprintf("%s://%s%s?page=%d&limit=%d",
			scheme, r.Host, r.URL.Path, page+1, limit)
	}
	return data
}
