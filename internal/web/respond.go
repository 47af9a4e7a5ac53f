package web

import (
	"encoding/json"
	"net/http"
)

// envelope is the shape of every JSON response. Errors carry a stable
// code, never raw error detail.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, status int) error {
	return writeJSON(w, status, envelope{OK: true})
}

func writeData(w http.ResponseWriter, status int, data any) error {
	return writeJSON(w, status, envelope{OK: true, Data: data})
}
