// Package handlers implements the local control API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler is a simple health check endpoint
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"time":    time.Now().Format(time.RFC3339),
		"service": "persistguard",
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
