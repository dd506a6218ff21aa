package httpapi

import (
	"encoding/json"
	"net/http"
)

// Renderer draws a named view. The host page layer can supply its own; the
// default writes the view model as JSON.
type Renderer interface {
	Render(w http.ResponseWriter, name string, data any) error
}

type JSONRenderer struct{}

func (JSONRenderer) Render(w http.ResponseWriter, _ string, data any) error {
	setJSONHeaders(w)
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(data)
}

type ChatView struct {
	Username  string        `json:"username"`
	CSRFToken string        `json:"csrf_token"`
	History   []historyItem `json:"history"`
	MaxLength int           `json:"max_length"`
}

type historyItem struct {
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

func setJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	setJSONHeaders(w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
