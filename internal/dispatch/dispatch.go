// Package dispatch invokes a registered provider with a bounded timeout and
// a per-provider circuit breaker, and normalizes every failure into a
// *provider.Error.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/pkg/logger"
	"github.com/vnmchuo/llm-metering/pkg/metrics"
)

const DefaultTimeout = 30 * time.Second

type Dispatcher struct {
	registry *provider.Registry
	timeout  time.Duration
	tracer   trace.Tracer
	log      *logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(x *Dispatcher) { x.tracer = t }
}

func New(registry *provider.Registry, log *logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  DefaultTimeout,
		tracer:   noop.NewTracerProvider().Tracer("dispatch"),
		log:      log.With("component", "dispatch"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) breaker(key string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A rejected request says nothing about vendor health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var pe *provider.Error
			return errors.As(err, &pe) && !pe.Retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warnw("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[key] = cb
	return cb
}

// State reports the breaker state for key.
func (d *Dispatcher) State(key string) gobreaker.State {
	return d.breaker(key).State()
}

// Chat calls the provider registered under key. On failure the error is
// always a *provider.Error. When the vendor reports no usage the token
// counts are estimated from the text so a real call never costs zero.
func (d *Dispatcher) Chat(ctx context.Context, key string, req *provider.Request) (*provider.Response, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.chat",
		trace.WithAttributes(
			attribute.String("provider", key),
			attribute.String("model", req.Model),
		))
	defer span.End()

	resp, err := d.call(ctx, key, req)
	if err != nil {
		pe := provider.AsError(key, err)
		metrics.ProviderErrorsTotal.WithLabelValues(key).Inc()
		span.RecordError(pe)
		span.SetStatus(codes.Error, pe.Error())
		d.log.Warnw("provider call failed",
			"provider", key, "model", req.Model, "tenant_id", req.TenantID,
			"status", pe.StatusCode, "timeout", pe.Timeout, "error", pe.Message)
		return nil, pe
	}

	if resp.InputTokens == 0 && resp.OutputTokens == 0 {
		resp.InputTokens = provider.EstimateMessages(req.Messages)
		resp.OutputTokens = provider.EstimateTokens(resp.Content)
		resp.UsageEstimated = true
	}
	if resp.Provider == "" {
		resp.Provider = key
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	span.SetAttributes(
		attribute.Int("tokens.input", resp.InputTokens),
		attribute.Int("tokens.output", resp.OutputTokens),
	)
	return resp, nil
}

func (d *Dispatcher) call(ctx context.Context, key string, req *provider.Request) (*provider.Response, error) {
	p, ok := d.registry.Provider(key)
	if !ok {
		return nil, &provider.Error{Provider: key, Message: "provider not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, err := d.breaker(key).Execute(func() (interface{}, error) {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, &provider.Error{Provider: key, Message: "empty response"}
		}
		return resp, nil
	})
	elapsed := time.Since(start)
	metrics.DispatchDuration.WithLabelValues(key).Observe(elapsed.Seconds())

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, &provider.Error{Provider: key, Message: "circuit open", Err: err}
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, &provider.Error{Provider: key, Message: "timed out", Timeout: true, Err: err}
		}
		return nil, err
	}

	resp := result.(*provider.Response)
	if resp.LatencyMs == 0 {
		resp.LatencyMs = elapsed.Milliseconds()
	}
	return resp, nil
}

// Cost converts tokens to usage units: ceil((in+out) * weight).
func (d *Dispatcher) Cost(key string, inputTokens, outputTokens int) int64 {
	tokens := decimal.NewFromInt(int64(inputTokens + outputTokens))
	return tokens.Mul(d.registry.UnitWeight(key)).Ceil().IntPart()
}
