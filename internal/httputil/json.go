// Package httputil holds the JSON response helpers shared by the HTTP surfaces.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, payload any) {
	WriteJSONWithStatus(w, payload, http.StatusOK)
}

func WriteJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

// WriteError writes {"error": msg} with the given status.
func WriteError(w http.ResponseWriter, msg string, status int) {
	WriteJSONWithStatus(w, map[string]any{"error": msg}, status)
}
