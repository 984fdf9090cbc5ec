package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/provider/echo"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

type MockProvider struct {
	name    string
	calls   atomic.Int32
	chatErr error
	delay   time.Duration
	resp    *provider.Response
}

func (m *MockProvider) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	if m.resp != nil {
		cp := *m.resp
		return &cp, nil
	}
	return &provider.Response{
		Content:      "mock",
		Model:        req.Model,
		InputTokens:  10,
		OutputTokens: 20,
	}, nil
}

func (m *MockProvider) Name() string { return m.name }

func newDispatcher(t *testing.T, key string, p provider.Provider, opts ...Option) *Dispatcher {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(key, p))
	return New(reg, logger.Nop(), opts...)
}

func chatReq() *provider.Request {
	return &provider.Request{
		Model:    "m",
		Messages: []provider.Message{{Role: "user", Content: "how many tokens is this?"}},
	}
}

func TestChat_Success(t *testing.T) {
	d := newDispatcher(t, "openai", &MockProvider{name: "openai"})

	resp, err := d.Chat(context.Background(), "openai", chatReq())
	require.NoError(t, err)
	assert.Equal(t, "mock", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 10, resp.InputTokens)
	assert.False(t, resp.UsageEstimated)
}

func TestChat_EstimatesMissingUsage(t *testing.T) {
	p := &MockProvider{name: "gemini", resp: &provider.Response{Content: "twelve chars"}}
	d := newDispatcher(t, "gemini", p)

	req := chatReq()
	resp, err := d.Chat(context.Background(), "gemini", req)
	require.NoError(t, err)
	assert.True(t, resp.UsageEstimated)
	assert.Equal(t, provider.EstimateMessages(req.Messages), resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
	assert.Equal(t, "m", resp.Model)
}

func TestChat_EchoAlwaysWorks(t *testing.T) {
	d := newDispatcher(t, "echo", echo.New())

	resp, err := d.Chat(context.Background(), "echo", chatReq())
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "how many tokens")
	assert.Positive(t, d.Cost("echo", resp.InputTokens, resp.OutputTokens))
}

func TestChat_UnconfiguredProvider(t *testing.T) {
	d := New(provider.NewRegistry(), logger.Nop())

	_, err := d.Chat(context.Background(), "openai", chatReq())
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "provider not configured", pe.Message)
}

func TestChat_RawErrorIsNormalized(t *testing.T) {
	d := newDispatcher(t, "deepseek", &MockProvider{name: "deepseek", chatErr: errors.New("socket closed")})

	_, err := d.Chat(context.Background(), "deepseek", chatReq())
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "deepseek", pe.Provider)
	assert.Contains(t, pe.Message, "socket closed")
}

func TestChat_Timeout(t *testing.T) {
	d := newDispatcher(t, "zhipu", &MockProvider{name: "zhipu", delay: time.Second}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := d.Chat(context.Background(), "zhipu", chatReq())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Timeout)
}

func TestChat_CircuitBreakerOpens(t *testing.T) {
	p := &MockProvider{name: "openai", chatErr: provider.NewStatusError("openai", 503, nil)}
	d := newDispatcher(t, "openai", p)

	for i := 0; i < 3; i++ {
		_, _ = d.Chat(context.Background(), "openai", chatReq())
	}
	assert.Equal(t, gobreaker.StateOpen, d.State("openai"))

	_, err := d.Chat(context.Background(), "openai", chatReq())
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "circuit open", pe.Message)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestChat_ClientErrorsDoNotTrip(t *testing.T) {
	p := &MockProvider{name: "claude", chatErr: provider.NewStatusError("claude", 400, []byte("bad"))}
	d := newDispatcher(t, "claude", p)

	for i := 0; i < 5; i++ {
		_, err := d.Chat(context.Background(), "claude", chatReq())
		var pe *provider.Error
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, 400, pe.StatusCode)
	}
	assert.Equal(t, gobreaker.StateClosed, d.State("claude"))
}

func TestCost(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.ApplyOverrides([]byte("providers:\n  openai:\n    unit_weight: \"0.25\"\n")))
	d := New(reg, logger.Nop())

	assert.Equal(t, int64(100), d.Cost("echo", 40, 60))
	assert.Equal(t, int64(3), d.Cost("openai", 5, 4))
	assert.Equal(t, int64(0), d.Cost("openai", 0, 0))
}
