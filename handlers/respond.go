// handlers/respond.go
package handlers

import (
	"encoding/json"
	"net/http"
)

// APIError is the body of every failed API call.
type APIError struct {
	Status    string `json:"status"`
	ErrorName string `json:"errorName"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, name, message string) {
	writeJSON(w, code, APIError{Status: "error", ErrorName: name, Message: message})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "BadRequest", message)
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "Internal", "Internal Server Error.")
}

// Status reports liveness.
func Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
