package deepseek

import (
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/provider/openai"
)

const DefaultBaseURL = "https://api.deepseek.com/v1/"

// New returns a DeepSeek provider. DeepSeek serves the OpenAI
// chat/completions protocol.
func New(apiKey, baseURL string) *openai.OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.NewCompatible(provider.KeyDeepSeek, apiKey, baseURL)
}
