package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func New(apiKey, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *GeminiProvider) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// url.Error embeds the request URL, which carries the key.
		pe := &provider.Error{
			Provider: p.Name(),
			Message:  "request failed",
			Timeout:  errors.Is(err, context.DeadlineExceeded),
			Err:      err,
		}
		var ue *url.Error
		if errors.As(err, &ue) {
			pe.Message = ue.Err.Error()
		}
		return nil, pe
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.AsError(p.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb geminiErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
			return nil, provider.NewStatusError(p.Name(), resp.StatusCode, []byte(eb.Error.Status+": "+eb.Error.Message))
		}
		return nil, provider.NewStatusError(p.Name(), resp.StatusCode, raw)
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(raw, &geminiResp); err != nil {
		return nil, provider.AsError(p.Name(), fmt.Errorf("decode response: %w", err))
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.Error{Provider: p.Name(), Message: "api returned no candidates"}
	}

	var text strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	out := &provider.Response{
		Content:   text.String(),
		Model:     req.Model,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
		Raw:       raw,
	}
	if geminiResp.ModelVersion != "" {
		out.Model = geminiResp.ModelVersion
	}
	if u := geminiResp.UsageMetadata; u != nil {
		out.InputTokens = u.PromptTokenCount
		out.OutputTokens = u.CandidatesTokenCount
	}
	return out, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var gr geminiRequest
	var system []geminiPart
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if len(system) > 0 {
		gr.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		gr.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	return gr
}

func (p *GeminiProvider) Name() string {
	return provider.KeyGemini
}
