package http

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorBody is the JSON error envelope returned for every gateway
// rejection. Upstream-produced errors pass through untouched; this
// shape is only for errors the gateway itself originates.
type ErrorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	RequestID string    `json:"request_id,omitempty"`
}

// WriteError writes the gateway error envelope. code is the stable
// machine-readable error code ("rate_limited", "circuit_open", ...);
// message is the human-readable detail.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Path:      r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
