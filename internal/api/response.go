package api

import (
	"encoding/json"
	"net/http"

	"github.com/sungwon/push-worker/internal/logger"
)

// respondJSON writes data as the JSON body with the given status. A nil data
// writes only the status and Content-Type.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Int("status", status).Msg("write response body failed")
	}
}

// respondError writes {"error": message} with the given status.
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	respondJSON(w, r, status, map[string]string{"error": message})
}
