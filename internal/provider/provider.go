package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Metadata for logging and vendor-side attribution
	TenantID  string
	RequestID string
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
	// UsageEstimated is set when the vendor reported no usage and the
	// token counts come from EstimateTokens.
	UsageEstimated bool
	Raw            json.RawMessage
}

// Provider is a chat-capable model backend.
type Provider interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// Error is the only error shape dispatch returns. A vendor 4xx/5xx, a
// transport failure and a timeout all end up here.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: timed out", e.Provider)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is likely transient.
func (e *Error) Retryable() bool {
	return e.Timeout || e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// NewStatusError builds an Error from a vendor HTTP response body,
// truncating the body to keep diagnostics short.
func NewStatusError(provider string, status int, body []byte) *Error {
	return &Error{
		Provider:   provider,
		StatusCode: status,
		Message:    Truncate(string(body), 300),
	}
}

// AsError returns err as *Error, wrapping anything else.
func AsError(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{
		Provider: provider,
		Message:  Truncate(err.Error(), 300),
		Err:      err,
	}
}

// EstimateTokens approximates a token count as one token per four runes,
// at least one for non-empty text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return max(1, n/4)
}

// EstimateMessages adds one token of role overhead per message.
func EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + 1
	}
	return total
}

func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
