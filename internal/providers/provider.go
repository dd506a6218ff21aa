package providers

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Messages    []Message
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ChatResponse struct {
	Text  string
	Model string
	Usage *Usage
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

type ErrorKind string

const (
	ErrNetwork       ErrorKind = "network"
	ErrStatus        ErrorKind = "status"
	ErrMalformed     ErrorKind = "malformed"
	ErrProvider      ErrorKind = "provider"
	ErrNoContent     ErrorKind = "no_content"
	ErrNotConfigured ErrorKind = "not_configured"
)

// Error is a failed provider call. Message is safe to show to end users;
// Detail carries what went to the log.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: ErrStatus}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
