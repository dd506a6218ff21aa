package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/providers"
	"chatrelay/internal/settings"
	"chatrelay/internal/storage"
)

type fakeProvider struct {
	got  providers.ChatRequest
	resp providers.ChatResponse
	err  error
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.got = req
	return f.resp, f.err
}

type memLogs struct {
	mu      sync.Mutex
	entries []storage.LogEntry
}

func (m *memLogs) AppendLog(_ context.Context, e storage.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func configured() settings.ProviderConfig {
	cfg := settings.Defaults()
	cfg.APIKey = "sk-ant-test"
	return cfg
}

func TestSendBuildsMessagesInOrder(t *testing.T) {
	p := &fakeProvider{resp: providers.ChatResponse{Text: "Hi there", Model: "claude-3-sonnet-20240229"}}
	c := New(Config{Provider: p, Logs: &memLogs{}, Logger: zerolog.Nop(), Metrics: metrics.New()})

	history := []providers.Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
	res, err := c.Send(context.Background(), configured(), "Hello", history)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Content != "Hi there" || res.Model != "claude-3-sonnet-20240229" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []providers.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "Hello"},
	}
	if diff := cmp.Diff(want, p.got.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if p.got.MaxTokens != 1000 || p.got.Temperature != 0.7 || p.got.APIKey != "sk-ant-test" {
		t.Fatalf("config not passed through: %+v", p.got)
	}
	if len(history) != 2 {
		t.Fatalf("caller history must not grow")
	}
}

func TestSendWithoutKeyIsNotConfigured(t *testing.T) {
	p := &fakeProvider{}
	logs := &memLogs{}
	c := New(Config{Provider: p, Logs: logs, Logger: zerolog.Nop()})

	_, err := c.Send(context.Background(), settings.Defaults(), "Hello", nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if p.got.Model != "" {
		t.Fatalf("provider must not be called without a key")
	}
	if len(logs.entries) != 1 {
		t.Fatalf("expected failure to be logged, got %d entries", len(logs.entries))
	}
}

func TestSendFailureIsLogged(t *testing.T) {
	p := &fakeProvider{err: &providers.Error{Kind: providers.ErrStatus, StatusCode: 500, Message: "API request failed with code: 500", Detail: "HTTP 500 - boom"}}
	logs := &memLogs{}
	m := metrics.New()
	c := New(Config{Provider: p, Logs: logs, Logger: zerolog.Nop(), Metrics: m})

	_, err := c.Send(context.Background(), configured(), "Hello", nil)
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.Kind != providers.ErrStatus {
		t.Fatalf("expected status error, got %v", err)
	}
	if len(logs.entries) != 1 || logs.entries[0].Kind != storage.LogError || !strings.Contains(logs.entries[0].Message, "HTTP 500") {
		t.Fatalf("unexpected log entries %+v", logs.entries)
	}
	if got := testutil.ToFloat64(m.ProviderRequests.WithLabelValues("status")); got != 1 {
		t.Fatalf("expected status failure counted, got %v", got)
	}
}

func TestProbe(t *testing.T) {
	p := &fakeProvider{resp: providers.ChatResponse{Text: "Connection successful"}}
	c := New(Config{Provider: p, Logger: zerolog.Nop()})
	if !c.Probe(context.Background(), configured()) {
		t.Fatalf("expected probe to succeed")
	}
	if len(p.got.Messages) != 1 || p.got.Messages[0].Content != ProbeMessage {
		t.Fatalf("unexpected probe request %+v", p.got.Messages)
	}

	p.err = &providers.Error{Kind: providers.ErrNetwork, Message: "Network error occurred"}
	if c.Probe(context.Background(), configured()) {
		t.Fatalf("expected probe to fail")
	}
}
