package responses

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every non-2xx reply on the ops server.
type ErrorResponse struct {
	Error string `json:"error"`
	Path  string `json:"path,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeRouteError(w http.ResponseWriter, r *http.Request, status int) {
	WriteJSON(w, status, ErrorResponse{Error: http.StatusText(status), Path: r.URL.Path})
}

// WriteNotFound answers requests outside the ops routes.
func WriteNotFound(w http.ResponseWriter, r *http.Request) {
	writeRouteError(w, r, http.StatusNotFound)
}

// WriteMethodNotAllowed answers known routes hit with the wrong method; the
// ops endpoints are read-only.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	writeRouteError(w, r, http.StatusMethodNotAllowed)
}
