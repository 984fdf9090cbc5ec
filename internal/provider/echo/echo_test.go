package echo

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

func TestChat(t *testing.T) {
	p := New()
	resp, err := p.Chat(context.Background(), &provider.Request{
		Model: "echo-001",
		Messages: []provider.Message{
			{Role: "user", Content: "first"},
			{Role: "user", Content: "hello there"},
			{Role: "system", Content: "ignored"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "[echo:echo-001] hello there", resp.Content)
	assert.Equal(t, provider.KeyEcho, resp.Provider)
	assert.Positive(t, resp.InputTokens)
	assert.Positive(t, resp.OutputTokens)
	assert.True(t, resp.UsageEstimated)
}

func TestChat_TruncatesLongInput(t *testing.T) {
	long := strings.Repeat("é", 500)
	resp, err := New().Chat(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: long}},
	})
	require.NoError(t, err)
	assert.Equal(t, "[echo:echo-001] "+strings.Repeat("é", 200), resp.Content)
}
