package httpapi

import (
	"mime"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/relay"
	"chatrelay/internal/storage"
)

const timestampLayout = "2006-01-02 15:04:05"

const (
	opSendMessage  = "send_message"
	opClearHistory = "clear_history"
	opGetHistory   = "get_history"
)

// maxFormMemory bounds the in-memory part of a multipart body.
const maxFormMemory = 1 << 20

func (s *Server) chatView(w http.ResponseWriter, r *http.Request) {
	id, ok := s.auth.Authenticate(r)
	if !ok {
		writeError(w, s.logger, &relay.Error{Kind: relay.Unauthorized, Message: "Unauthorized"})
		return
	}
	s.renderChat(w, r, id)
}

func (s *Server) chatAction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.auth.Authenticate(r)
	if !ok {
		writeError(w, s.logger, &relay.Error{Kind: relay.Unauthorized, Message: "Unauthorized access"})
		return
	}
	if err := parseForm(r); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Malformed form body"})
		return
	}

	op := normalizeOp(r.PostFormValue("op"))
	switch op {
	case opSendMessage, opClearHistory, opGetHistory:
	default:
		s.renderChat(w, r, id)
		return
	}
	if !s.csrf.Verify(r.Context(), id.SessionID, r.PostFormValue("csrf_token")) {
		s.rejectCSRF(w)
		return
	}

	switch op {
	case opSendMessage:
		reply, err := s.relay.Relay(r.Context(), id, r.PostFormValue("message"))
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":            true,
			"user_message":       reply.UserMessage,
			"assistant_response": reply.AssistantReply,
			"timestamp":          s.formatTime(reply.Timestamp),
		})
	case opClearHistory:
		if err := s.relay.ClearHistory(r.Context(), id); err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case opGetHistory:
		rows, err := s.relay.History(r.Context(), id)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": s.historyItems(rows)})
	}
}

// parseForm reads urlencoded and multipart bodies alike.
func parseForm(r *http.Request) error {
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		return r.ParseMultipartForm(maxFormMemory)
	}
	return r.ParseForm()
}

func (s *Server) renderChat(w http.ResponseWriter, r *http.Request, id *relay.Identity) {
	token, err := s.csrf.Issue(r.Context(), id.SessionID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rows, err := s.relay.History(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	view := ChatView{
		Username:  id.Username,
		CSRFToken: token,
		History:   s.historyItems(rows),
		MaxLength: s.maxLength,
	}
	if err := s.renderer.Render(w, "chat", view); err != nil {
		s.logger.Error().Err(err).Msg("render chat view")
	}
}

func (s *Server) rejectCSRF(w http.ResponseWriter) {
	if s.metrics != nil {
		s.metrics.CSRFRejected.Inc()
	}
	writeError(w, s.logger, &relay.Error{Kind: relay.CsrfMismatch, Message: invalidCSRFMessage})
}

func (s *Server) historyItems(rows []storage.ChatMessage) []historyItem {
	out := make([]historyItem, 0, len(rows))
	for _, m := range rows {
		out = append(out, historyItem{
			Message:   m.Text,
			Sender:    string(m.Sender),
			Timestamp: s.formatTime(m.Timestamp),
		})
	}
	return out
}

func (s *Server) formatTime(unix int64) string {
	return time.Unix(unix, 0).In(s.loc).Format(timestampLayout)
}

// normalizeOp keeps only lowercase letters and underscores.
func normalizeOp(op string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || r == '_' {
			return r
		}
		return -1
	}, op)
}
