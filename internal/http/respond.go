package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON renders payload as the JSON response body under the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError responds with the {"error": message} envelope that API clients
// unwrap from non-2xx bodies.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
