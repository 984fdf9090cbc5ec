package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 1024
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Metadata    *claudeMetadata `json:"metadata,omitempty"`
}

type claudeMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   *claudeUsage    `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func New(apiKey, baseURL string) *ClaudeProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *ClaudeProvider) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		pe := provider.AsError(p.Name(), err)
		pe.Timeout = errors.Is(err, context.DeadlineExceeded)
		return nil, pe
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb claudeErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			return nil, provider.NewStatusError(p.Name(), resp.StatusCode, []byte(eb.Error.Type+": "+eb.Error.Message))
		}
		return nil, provider.NewStatusError(p.Name(), resp.StatusCode, raw)
	}

	var claudeResp claudeResponse
	if err := json.Unmarshal(raw, &claudeResp); err != nil {
		return nil, provider.AsError(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &provider.Error{Provider: p.Name(), Message: "api returned no content"}
	}

	out := &provider.Response{
		ID:        claudeResp.ID,
		Content:   text.String(),
		Model:     claudeResp.Model,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
		Raw:       raw,
	}
	if claudeResp.Usage != nil {
		out.InputTokens = claudeResp.Usage.InputTokens
		out.OutputTokens = claudeResp.Usage.OutputTokens
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system []string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	cr := claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.TenantID != "" {
		cr.Metadata = &claudeMetadata{UserID: req.TenantID}
	}
	return cr
}

func (p *ClaudeProvider) Name() string {
	return provider.KeyClaude
}
