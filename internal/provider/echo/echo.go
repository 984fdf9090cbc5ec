// Package echo is the no-network provider. It never fails and needs no
// configuration, so resolution always has a working target.
package echo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

type EchoProvider struct{}

func New() *EchoProvider {
	return &EchoProvider{}
}

func (p *EchoProvider) Chat(_ context.Context, req *provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = "echo-001"
	}

	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "system" {
			last = req.Messages[i].Content
			break
		}
	}

	content := fmt.Sprintf("[echo:%s] %s", model, truncateRunes(last, 200))
	return &provider.Response{
		ID:             uuid.NewString(),
		Content:        content,
		InputTokens:    provider.EstimateMessages(req.Messages),
		OutputTokens:   provider.EstimateTokens(content),
		Model:          model,
		Provider:       p.Name(),
		UsageEstimated: true,
	}, nil
}

func (p *EchoProvider) Name() string {
	return provider.KeyEcho
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
