// Package openai serves every vendor that speaks the OpenAI
// /chat/completions protocol. DeepSeek and Zhipu reuse it with their own
// base URLs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com/v1/"

type OpenAIProvider struct {
	name   string
	client openai.Client
}

func New(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return NewCompatible(provider.KeyOpenAI, apiKey, baseURL)
}

// NewCompatible builds a provider for any OpenAI-compatible endpoint.
// Retries are disabled so the caller's timeout and breaker stay in charge.
func NewCompatible(name, apiKey, baseURL string, opts ...option.RequestOption) *OpenAIProvider {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{}),
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClient(append(base, opts...)...),
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: mapMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &provider.Error{Provider: p.name, Message: "api returned no choices"}
	}

	resp := &provider.Response{
		ID:           completion.ID,
		Content:      completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Model:        completion.Model,
		Provider:     p.name,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if raw := completion.RawJSON(); raw != "" {
		resp.Raw = json.RawMessage(raw)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func mapMessages(msgs []provider.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (p *OpenAIProvider) mapError(err error) *provider.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &provider.Error{
			Provider:   p.name,
			StatusCode: apiErr.StatusCode,
			Message:    provider.Truncate(apiErr.Error(), 300),
			Err:        err,
		}
	}
	pe := provider.AsError(p.name, err)
	pe.Timeout = errors.Is(err, context.DeadlineExceeded)
	return pe
}
