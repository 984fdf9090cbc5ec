package zhipu

import (
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/provider/openai"
)

const DefaultBaseURL = "https://open.bigmodel.cn/api/paas/v4/"

func New(apiKey, baseURL string) *openai.OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.NewCompatible(provider.KeyZhipu, apiKey, baseURL)
}
