package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"chatrelay/internal/admin"
	"chatrelay/internal/relay"
)

type ctxKey int

const identityKey ctxKey = iota

func identityFrom(ctx context.Context) *relay.Identity {
	id, _ := ctx.Value(identityKey).(*relay.Identity)
	return id
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.auth.Authenticate(r)
		if !ok {
			writeError(w, s.logger, &relay.Error{Kind: relay.Unauthorized, Message: "Unauthorized"})
			return
		}
		if !id.Admin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (s *Server) requireAdminCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-CSRF-Token")
		if token == "" {
			if err := parseForm(r); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Malformed form body"})
				return
			}
			token = r.PostFormValue("csrf_token")
		}
		if !s.csrf.Verify(r.Context(), identityFrom(r.Context()).SessionID, token) {
			s.rejectCSRF(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminConfig(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	view, err := s.admin.CurrentConfig(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	token, err := s.csrf.Issue(r.Context(), id.SessionID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": view, "csrf_token": token})
}

func (s *Server) adminSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req admin.SaveConfigRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return
	}
	view, err := s.admin.SaveConfig(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": view})
}

func (s *Server) adminTestAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": s.admin.TestAPI(r.Context())})
}

type logItem struct {
	ID        int64  `json:"id"`
	Kind      string `json:"log_type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) adminLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.admin.ViewLogs(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out := make([]logItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, logItem{ID: e.ID, Kind: string(e.Kind), Message: e.Message, Timestamp: s.formatTime(e.Timestamp)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (s *Server) adminClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.ClearLogs(r.Context()); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type usageItem struct {
	Days         int   `json:"days"`
	MessageCount int64 `json:"message_count"`
	UniqueUsers  int64 `json:"unique_users"`
}

type topUserItem struct {
	UserID       int64 `json:"user_id"`
	MessageCount int64 `json:"message_count"`
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var days []int
	if raw := q.Get("days"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			d, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be a comma separated list of integers"})
				return
			}
			days = append(days, d)
		}
	}
	var userID int64
	if raw := q.Get("user_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id must be a positive integer"})
			return
		}
		userID = n
	}

	stats, err := s.admin.UsageStats(r.Context(), days, userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	top, err := s.admin.TopUsers(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	usage := make([]usageItem, 0, len(stats))
	for _, st := range stats {
		usage = append(usage, usageItem{Days: st.Days, MessageCount: st.MessageCount, UniqueUsers: st.UniqueUsers})
	}
	users := make([]topUserItem, 0, len(top))
	for _, u := range top {
		users = append(users, topUserItem{UserID: u.UserID, MessageCount: u.MessageCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": usage, "top_users": users})
}

func (s *Server) adminStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.admin.Status(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
