package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rendis/galaxy/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeGalaxyError writes err with a status derived from its code.
func writeGalaxyError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error(), "code": schema.CodeOf(err)})
}

func statusFor(err error) int {
	code := schema.CodeOf(err)
	switch {
	case schema.IsNotFound(err):
		return http.StatusNotFound
	case schema.IsGraphError(err), code == schema.ErrCodeContractViolation:
		return http.StatusBadRequest
	case code == schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case code == schema.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	case code == schema.ErrCodeConfig:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
