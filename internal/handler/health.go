package handler

import "net/http"

// HandleHealth is a liveness probe. It does not touch the Docker daemon.
// GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "executor",
	})
}
