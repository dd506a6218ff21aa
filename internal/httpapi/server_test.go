package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/admin"
	"chatrelay/internal/auth"
	"chatrelay/internal/crypto"
	"chatrelay/internal/csrf"
	"chatrelay/internal/guard"
	"chatrelay/internal/llm"
	"chatrelay/internal/metrics"
	"chatrelay/internal/providers/anthropic_messages"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/relay"
	"chatrelay/internal/settings"
	"chatrelay/internal/storage"
)

type testEnv struct {
	handler http.Handler
	auth    *auth.JWTAuthenticator
	store   *storage.Store
	cfg     *settings.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "http.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Hi there"}]}`))
	}))
	t.Cleanup(provider.Close)

	ring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	settingsStore := settings.NewStore(settings.StoreConfig{Backend: store, Sealer: ring, Logger: zerolog.Nop()})
	if _, err := settingsStore.Save(ctx, settings.Update{APIKey: ptr("sk-ant-test")}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	cache := settings.NewCache(settingsStore, time.Minute)

	m := metrics.New()
	client := llm.New(llm.Config{
		Provider: anthropic_messages.New(anthropic_messages.Config{BaseURL: provider.URL, HTTPClient: provider.Client()}),
		Logs:     store,
		Logger:   zerolog.Nop(),
		Metrics:  m,
	})
	orch := relay.New(relay.Config{
		Store:    store,
		Guard:    guard.New(0),
		Limiter:  ratelimit.New(ratelimit.Config{Counter: store, FailOpen: true, Logger: zerolog.Nop(), Metrics: m}),
		LLM:      client,
		Settings: cache,
		Logger:   zerolog.Nop(),
		Metrics:  m,
	})
	adminSvc := admin.New(admin.Config{
		Settings: settingsStore,
		Cache:    cache,
		Store:    store,
		Prober:   client,
		Logger:   zerolog.Nop(),
	})
	authn := auth.NewJWTAuthenticator("test-secret")

	return &testEnv{
		handler: NewRouter(Config{
			Auth:    authn,
			CSRF:    csrf.New(rdb, time.Hour),
			Relay:   orch,
			Admin:   adminSvc,
			Logger:  zerolog.Nop(),
			Metrics: m,
		}),
		auth:  authn,
		store: store,
		cfg:   cache,
	}
}

func ptr[T any](v T) *T { return &v }

func (e *testEnv) token(t *testing.T, id relay.Identity) string {
	t.Helper()
	tok, err := e.auth.Issue(id, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost && body != "" && !strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *testEnv) csrfToken(t *testing.T, token string) string {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/chat", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat view: %d %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)["csrf_token"].(string)
}

func form(values map[string]string) string {
	v := url.Values{}
	for k, val := range values {
		v.Set(k, val)
	}
	return v.Encode()
}

func (e *testEnv) doMultipart(t *testing.T, path, token string, values map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return e.do(t, http.MethodPost, path, token, buf.String(), map[string]string{"Content-Type": mw.FormDataContentType()})
}

func TestChatSendMessage(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, relay.Identity{UserID: 11, Username: "rey", SessionID: "s1"})
	csrfTok := e.csrfToken(t, tok)

	rec := e.do(t, http.MethodPost, "/chat", tok, form(map[string]string{"op": "send_message", "csrf_token": csrfTok, "message": "Hello"}), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("missing no-store cache header: %q", cc)
	}
	body := decode(t, rec)
	if body["success"] != true || body["user_message"] != "Hello" || body["assistant_response"] != "Hi there" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, err := time.Parse(timestampLayout, body["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp format: %v", err)
	}

	rec = e.do(t, http.MethodPost, "/chat", tok, form(map[string]string{"op": "get_history", "csrf_token": csrfTok}), nil)
	history := decode(t, rec)["history"].([]any)
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %v", history)
	}
	if first := history[0].(map[string]any); first["message"] != "Hello" || first["sender"] != "user" {
		t.Fatalf("unexpected first row %v", first)
	}

	rec = e.do(t, http.MethodPost, "/chat", tok, form(map[string]string{"op": "clear_history", "csrf_token": csrfTok}), nil)
	if rec.Code != http.StatusOK || decode(t, rec)["success"] != true {
		t.Fatalf("clear failed: %d %s", rec.Code, rec.Body.String())
	}
	rows, err := e.store.History(context.Background(), 11, 0)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected history cleared, got %d err=%v", len(rows), err)
	}
}

func TestChatRejectsBeforeWork(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/chat", "", form(map[string]string{"op": "send_message", "message": "Hello"}), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	tok := e.token(t, relay.Identity{UserID: 12, SessionID: "s2"})
	e.csrfToken(t, tok)
	rec = e.do(t, http.MethodPost, "/chat", tok, form(map[string]string{"op": "send_message", "csrf_token": "wrong", "message": "Hello"}), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if decode(t, rec)["error"] != "Invalid CSRF token" {
		t.Fatalf("unexpected csrf error body %s", rec.Body.String())
	}
	rows, err := e.store.History(context.Background(), 12, 0)
	if err != nil || len(rows) != 0 {
		t.Fatalf("csrf failure must not store anything, got %d err=%v", len(rows), err)
	}
}

func TestChatErrorStatuses(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, relay.Identity{UserID: 13, SessionID: "s3"})
	csrfTok := e.csrfToken(t, tok)

	cases := []struct {
		message string
		status  int
	}{
		{"", http.StatusBadRequest},
		{"   ", http.StatusBadRequest},
		{"<script>alert(1)</script>", http.StatusBadRequest},
		{strings.Repeat("a", 5000), http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := e.do(t, http.MethodPost, "/chat", tok, form(map[string]string{"op": "send_message", "csrf_token": csrfTok, "message": tc.message}), nil)
		if rec.Code != tc.status {
			t.Fatalf("message %.20q: expected %d, got %d %s", tc.message, tc.status, rec.Code, rec.Body.String())
		}
	}
}

func TestChatUnknownOpRendersView(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, relay.Identity{UserID: 14, Username: "finn", SessionID: "s4"})
	csrfTok := e.csrfToken(t, tok)

	rec := e.do(t, http.MethodPost, "/chat", tok, form(map[string]string{"op": "drop tables", "csrf_token": csrfTok}), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected default view, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["username"] != "finn" || body["max_length"] != float64(4000) {
		t.Fatalf("unexpected view %v", body)
	}

	for _, op := range []string{"", "render"} {
		rec = e.do(t, http.MethodPost, "/chat", tok, form(map[string]string{"op": op, "message": "x"}), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("op %q without csrf token: expected default view, got %d %s", op, rec.Code, rec.Body.String())
		}
		if decode(t, rec)["csrf_token"] != csrfTok {
			t.Fatalf("op %q: expected the session token in the view", op)
		}
	}
}

func TestChatAcceptsMultipartForm(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, relay.Identity{UserID: 15, Username: "poe", SessionID: "s5"})
	csrfTok := e.csrfToken(t, tok)

	rec := e.doMultipart(t, "/chat", tok, map[string]string{"op": "send_message", "csrf_token": csrfTok, "message": "Hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["assistant_response"] != "Hi there" {
		t.Fatalf("unexpected body %v", body)
	}

	rec = e.doMultipart(t, "/chat", tok, map[string]string{"op": "get_history", "csrf_token": csrfTok})
	if history := decode(t, rec)["history"].([]any); len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %v", history)
	}

	rec = e.doMultipart(t, "/chat", tok, map[string]string{"op": "clear_history", "csrf_token": "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a bad multipart token, got %d", rec.Code)
	}
}

func TestNormalizeOp(t *testing.T) {
	cases := map[string]string{
		"send_message":      "send_message",
		"SEND_message":      "_message",
		"get_history;--":    "get_history",
		"clear history 123": "clearhistory",
	}
	for in, want := range cases {
		if got := normalizeOp(in); got != want {
			t.Fatalf("normalizeOp(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAdminRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, http.MethodGet, "/admin/config", "", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	user := e.token(t, relay.Identity{UserID: 20, SessionID: "u"})
	if rec := e.do(t, http.MethodGet, "/admin/config", user, "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdminConfigRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, relay.Identity{UserID: 1, Admin: true, SessionID: "admin"})

	rec := e.do(t, http.MethodGet, "/admin/config", tok, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get config: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	csrfTok := body["csrf_token"].(string)
	if cfg := body["config"].(map[string]any); cfg["api_key_masked"] != "sk-ant-t..." {
		t.Fatalf("expected masked key, got %v", cfg)
	}

	save := `{"model":"claude-3-haiku-20240307","max_tokens":2048}`
	if rec := e.do(t, http.MethodPost, "/admin/config", tok, save, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected csrf rejection, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/admin/config", tok, save, map[string]string{"X-CSRF-Token": csrfTok})
	if rec.Code != http.StatusOK {
		t.Fatalf("save: %d %s", rec.Code, rec.Body.String())
	}
	cfg, err := e.cfg.Get(context.Background())
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if cfg.Model != "claude-3-haiku-20240307" || cfg.MaxTokens != 2048 {
		t.Fatalf("cache not invalidated after save: %+v", cfg)
	}

	rec = e.do(t, http.MethodPost, "/admin/config", tok, `{"theme":"dark"}`, map[string]string{"X-CSRF-Token": csrfTok})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown key rejection, got %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/admin/config", tok, `{"api_key":"bad"}`, map[string]string{"X-CSRF-Token": csrfTok})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid key rejection, got %d", rec.Code)
	}
	if fields := decode(t, rec)["fields"].(map[string]any); fields["api_key"] == nil {
		t.Fatalf("expected api_key field error, got %v", fields)
	}
}

func TestAdminTestLogsAndStats(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, relay.Identity{UserID: 1, Admin: true, SessionID: "admin"})
	csrfTok := decode(t, e.do(t, http.MethodGet, "/admin/config", tok, "", nil))["csrf_token"].(string)
	hdr := map[string]string{"X-CSRF-Token": csrfTok}

	rec := e.do(t, http.MethodPost, "/admin/test", tok, "", hdr)
	if rec.Code != http.StatusOK || decode(t, rec)["success"] != true {
		t.Fatalf("test api: %d %s", rec.Code, rec.Body.String())
	}

	if err := e.store.AppendLog(context.Background(), storage.LogEntry{Message: "boom", Timestamp: time.Now().Unix()}); err != nil {
		t.Fatalf("append log: %v", err)
	}
	logs := decode(t, e.do(t, http.MethodGet, "/admin/logs", tok, "", nil))["logs"].([]any)
	if len(logs) != 1 || logs[0].(map[string]any)["log_type"] != "error" {
		t.Fatalf("unexpected logs %v", logs)
	}
	if rec := e.do(t, http.MethodPost, "/admin/logs/clear", tok, form(map[string]string{"csrf_token": csrfTok}), nil); rec.Code != http.StatusOK {
		t.Fatalf("clear logs via form token: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.doMultipart(t, "/admin/logs/clear", tok, map[string]string{"csrf_token": csrfTok}); rec.Code != http.StatusOK {
		t.Fatalf("clear logs via multipart token: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.doMultipart(t, "/admin/logs/clear", tok, map[string]string{"csrf_token": "wrong"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a bad multipart token, got %d", rec.Code)
	}

	if _, err := e.store.AppendTurn(context.Background(), storage.ChatMessage{UserID: 5, Sender: storage.SenderUser, Text: "x", Timestamp: time.Now().Unix()}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	stats := decode(t, e.do(t, http.MethodGet, "/admin/stats?days=1,7", tok, "", nil))
	usage := stats["usage"].([]any)
	if len(usage) != 2 || usage[0].(map[string]any)["message_count"] != float64(1) {
		t.Fatalf("unexpected usage %v", usage)
	}
	if top := stats["top_users"].([]any); len(top) != 1 {
		t.Fatalf("unexpected top users %v", top)
	}
	if rec := e.do(t, http.MethodGet, "/admin/stats?days=abc", tok, "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad days, got %d", rec.Code)
	}

	status := decode(t, e.do(t, http.MethodGet, "/admin/status", tok, "", nil))
	if status["tables_ok"] != true || status["api_connected"] != true {
		t.Fatalf("unexpected status %v", status)
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", "", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}
