// Package llm turns a chat turn plus its context into one provider call,
// recording every failure in the log store.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/providers"
	"chatrelay/internal/settings"
	"chatrelay/internal/storage"
)

const ProbeMessage = "Hello, please respond with 'Connection successful' to test the API."

var ErrNotConfigured = &providers.Error{Kind: providers.ErrNotConfigured, Message: "API key not configured"}

type LogSink interface {
	AppendLog(ctx context.Context, e storage.LogEntry) error
}

type Result struct {
	Content string
	Usage   *providers.Usage
	Model   string
}

type Config struct {
	Provider providers.Provider
	Logs     LogSink
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Client struct {
	provider providers.Provider
	logs     LogSink
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(cfg Config) *Client {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		provider: cfg.Provider,
		logs:     cfg.Logs,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// Send appends text as the newest user turn after history and calls the
// provider with cfg. Errors are *providers.Error whenever the provider was
// reached or the key is missing.
func (c *Client) Send(ctx context.Context, cfg settings.ProviderConfig, text string, history []providers.Message) (Result, error) {
	if cfg.APIKey == "" {
		c.recordFailure(ctx, ErrNotConfigured)
		return Result{}, ErrNotConfigured
	}

	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: text})

	start := c.now()
	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Messages:    messages,
	})
	if c.metrics != nil {
		c.metrics.ProviderLatency.Observe(c.now().Sub(start).Seconds())
	}
	if err != nil {
		c.recordFailure(ctx, err)
		return Result{}, err
	}
	if c.metrics != nil {
		c.metrics.ProviderRequests.WithLabelValues("ok").Inc()
	}
	return Result{Content: resp.Text, Usage: resp.Usage, Model: resp.Model}, nil
}

// Probe reports whether a minimal request with cfg succeeds.
func (c *Client) Probe(ctx context.Context, cfg settings.ProviderConfig) bool {
	_, err := c.Send(ctx, cfg, ProbeMessage, nil)
	return err == nil
}

func (c *Client) recordFailure(ctx context.Context, err error) {
	kind := "error"
	var perr *providers.Error
	if errors.As(err, &perr) {
		kind = string(perr.Kind)
	}
	if c.metrics != nil {
		c.metrics.ProviderRequests.WithLabelValues(kind).Inc()
	}
	c.logger.Error().Err(err).Str("kind", kind).Msg("provider call failed")
	if c.logs == nil {
		return
	}
	entry := storage.LogEntry{
		Kind:      storage.LogError,
		Message:   fmt.Sprintf("provider call failed: %v", err),
		Timestamp: c.now().Unix(),
	}
	if logErr := c.logs.AppendLog(ctx, entry); logErr != nil {
		c.logger.Error().Err(logErr).Msg("append provider failure to log store")
	}
}
