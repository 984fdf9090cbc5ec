package zhipu

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/provider"
)

func TestChat_UsesCompatibleEndpoint(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"z1","object":"chat.completion","created":1,"model":"glm-4",` +
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ni hao"}}],` +
			`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer server.Close()

	p := New("k", server.URL+"/api/paas/v4/")
	assert.Equal(t, provider.KeyZhipu, p.Name())

	resp, err := p.Chat(context.Background(), &provider.Request{
		Model:    "glm-4",
		Messages: []provider.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/paas/v4/chat/completions", path)
	assert.Equal(t, "ni hao", resp.Content)
	assert.Equal(t, provider.KeyZhipu, resp.Provider)
}
