// Package anthropic_messages calls the Anthropic Messages API once per turn.
package anthropic_messages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/providers"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com/v1/messages"
	DefaultAPIVersion = "2023-06-01"
)

type Config struct {
	BaseURL    string
	APIVersion string
	UserAgent  string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "chatrelay/1.0"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type messagesRequest struct {
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
	Messages    []providers.Message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string           `json:"model"`
	Usage *providers.Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat makes a single POST. There are no retries; every failure comes back
// as a *providers.Error.
func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return providers.ChatResponse{}, &providers.Error{
			Kind:    providers.ErrNotConfigured,
			Message: "API key not configured",
		}
	}

	body, err := json.Marshal(messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    req.Messages,
	})
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("marshal messages payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", c.cfg.APIVersion)
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return providers.ChatResponse{}, &providers.Error{
			Kind:    providers.ErrNetwork,
			Message: "Network error occurred",
			Detail:  "request failed: " + err.Error(),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, &providers.Error{
			Kind:    providers.ErrNetwork,
			Message: "Network error occurred",
			Detail:  "read response body: " + err.Error(),
			Err:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		detail := fmt.Sprintf("HTTP %d - %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		var decoded messagesResponse
		if json.Unmarshal(respBody, &decoded) == nil && decoded.Error != nil && decoded.Error.Message != "" {
			detail = fmt.Sprintf("HTTP %d - %s", resp.StatusCode, decoded.Error.Message)
		}
		return providers.ChatResponse{}, &providers.Error{
			Kind:       providers.ErrStatus,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API request failed with code: %d", resp.StatusCode),
			Detail:     detail,
		}
	}

	return parseMessagesResponse(respBody, req.Model)
}

func parseMessagesResponse(body []byte, requestedModel string) (providers.ChatResponse, error) {
	var decoded messagesResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return providers.ChatResponse{}, &providers.Error{
			Kind:    providers.ErrMalformed,
			Message: "Invalid response format",
			Detail:  "decode messages response: " + err.Error(),
			Err:     err,
		}
	}
	if decoded.Error != nil {
		return providers.ChatResponse{}, &providers.Error{
			Kind:       providers.ErrProvider,
			StatusCode: http.StatusOK,
			Message:    decoded.Error.Message,
			Detail:     "API error: " + decoded.Error.Message,
		}
	}

	var sb strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return providers.ChatResponse{}, &providers.Error{
			Kind:    providers.ErrNoContent,
			Message: "Empty response from the model",
			Detail:  "no text content in messages response",
		}
	}

	model := decoded.Model
	if model == "" {
		model = requestedModel
	}
	return providers.ChatResponse{Text: sb.String(), Model: model, Usage: decoded.Usage}, nil
}
