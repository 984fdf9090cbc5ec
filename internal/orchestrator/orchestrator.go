// Package orchestrator runs one inbound request through the metering
// lifecycle:
//
//	ADMITTED -> RESOLVED -> AUTHORIZED -> DISPATCHED -> SETTLED
//
// Rate limiting, suspension and balance rejections happen before any
// provider call and cost nothing. Provider failures are absorbed into a
// degraded response that is still charged at the estimate. A settlement
// that fails after the provider call is never returned as an error: it is
// logged, counted, published and queued for reconciliation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/internal/filter"
	"github.com/vnmchuo/llm-metering/internal/notify"
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/resolver"
	"github.com/vnmchuo/llm-metering/internal/worker"
	"github.com/vnmchuo/llm-metering/pkg/logger"
	"github.com/vnmchuo/llm-metering/pkg/metrics"
	"github.com/vnmchuo/llm-metering/pkg/ratelimit"
)

type State string

const (
	StateAdmitted          State = "ADMITTED"
	StateResolved          State = "RESOLVED"
	StateAuthorized        State = "AUTHORIZED"
	StateDispatched        State = "DISPATCHED"
	StateSettled           State = "SETTLED"
	StateRejectedRateLimit State = "REJECTED_RATE_LIMIT"
	StateRejectedBalance   State = "REJECTED_BALANCE"
	StateRejectedSuspended State = "REJECTED_SUSPENDED"
	StateSettlementFailed  State = "SETTLEMENT_FAILED"
)

const (
	CodeRateLimited         = "rate_limited"
	CodeAccountSuspended    = "account_suspended"
	CodeInsufficientBalance = "insufficient_balance"
)

const KindChat = "chat"

var ErrRateLimited = errors.New("rate limited")

type Request struct {
	TenantID string
	UserID   string
	Message  string
	// Provider is an optional explicit provider choice.
	Provider string
	// TraceID makes retries idempotent. Generated when empty. A trace id
	// that was already charged is answered from the ledger without a new
	// provider call.
	TraceID string
	Kind    string
}

type Result struct {
	Content     string          `json:"content"`
	TraceID     string          `json:"trace_id"`
	TokensSpent int64           `json:"tokens_spent"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Source      resolver.Source `json:"source"`
	Degraded    bool            `json:"degraded"`
	Notice      string          `json:"notice,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
	Issues      []filter.Issue  `json:"issues,omitempty"`

	State State `json:"-"`
	// SettlementErr is set for SETTLEMENT_FAILED runs. The caller still
	// gets the content.
	SettlementErr error `json:"-"`
}

// RejectionError is returned for runs that ended before the provider call.
type RejectionError struct {
	Code       string
	State      State
	RetryAfter time.Duration
	Err        error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

type Estimator func(message string) int64

// DefaultEstimator charges half a unit per rune with a floor of 32.
func DefaultEstimator(message string) int64 {
	return max(32, int64(utf8.RuneCountInString(message)/2))
}

type Resolver interface {
	Resolve(ctx context.Context, q resolver.Query) resolver.EffectiveModel
}

type Billing interface {
	Authorize(ctx context.Context, tenantID string, estimate int64) (*billing.Authorization, error)
	Settle(ctx context.Context, tenantID, traceID string, amount int64) (*billing.Settlement, error)
	LookupSettlement(ctx context.Context, tenantID, traceID string) (*billing.Settlement, error)
}

type Dispatcher interface {
	Chat(ctx context.Context, key string, req *provider.Request) (*provider.Response, error)
	Cost(key string, inputTokens, outputTokens int) int64
}

// FailureSink receives settlements that must be replayed.
type FailureSink interface {
	Enqueue(ctx context.Context, job *worker.SettlementJob) error
	Find(ctx context.Context, tenantID, traceID string) (*worker.SettlementJob, error)
}

type Controller struct {
	limiter    ratelimit.Limiter
	resolver   Resolver
	billing    Billing
	dispatcher Dispatcher

	estimator Estimator
	weights   map[string]int
	failures  FailureSink
	usage     billing.UsageStore
	notifier  notify.Notifier
	tracer    trace.Tracer
	log       *logger.Logger

	// inflight collapses concurrent runs of one caller-supplied trace id.
	inflight singleflight.Group
}

type Option func(*Controller)

func WithEstimator(e Estimator) Option {
	return func(c *Controller) {
		if e != nil {
			c.estimator = e
		}
	}
}

// WithWeights sets the rate-limit cost per request kind.
func WithWeights(w map[string]int) Option {
	return func(c *Controller) {
		for k, v := range w {
			c.weights[k] = v
		}
	}
}

func WithFailureSink(s FailureSink) Option {
	return func(c *Controller) { c.failures = s }
}

func WithUsageStore(s billing.UsageStore) Option {
	return func(c *Controller) { c.usage = s }
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

func New(limiter ratelimit.Limiter, res Resolver, bill Billing, disp Dispatcher, log *logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		limiter:    limiter,
		resolver:   res,
		billing:    bill,
		dispatcher: disp,
		estimator:  DefaultEstimator,
		weights:    map[string]int{KindChat: 1},
		notifier:   notify.Nop{},
		tracer:     noop.NewTracerProvider().Tracer("orchestrator"),
		log:        log.With("component", "orchestrator"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) weight(kind string) int {
	if kind == "" {
		kind = KindChat
	}
	if w, ok := c.weights[kind]; ok {
		return w
	}
	return 1
}

// Submit runs req through the lifecycle. Rejections come back as
// *RejectionError with zero cost. Any other error means the run stopped
// before the provider call because a dependency failed.
func (c *Controller) Submit(ctx context.Context, req Request) (*Result, error) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ctx, span := c.tracer.Start(ctx, "orchestrator.submit",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("trace_id", traceID),
		))
	defer span.End()

	var res *Result
	var err error
	if req.TraceID == "" {
		res, err = c.run(ctx, span, req, traceID)
	} else {
		var v any
		var shared bool
		v, err, shared = c.inflight.Do(req.TenantID+"/"+traceID, func() (any, error) {
			return c.run(ctx, span, req, traceID)
		})
		if err == nil {
			res = v.(*Result)
			if shared {
				cp := *res
				res = &cp
			}
		}
	}
	if err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			span.SetAttributes(attribute.String("state", string(rej.State)))
			metrics.RequestsTotal.WithLabelValues(string(rej.State)).Inc()
			c.log.Infow("request rejected",
				"tenant_id", req.TenantID, "trace_id", traceID, "state", rej.State, "reason", rej.Err)
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("state", string(res.State)),
		attribute.String("provider", res.Provider),
		attribute.String("model", res.Model),
	)
	metrics.RequestsTotal.WithLabelValues(string(res.State)).Inc()
	return res, nil
}

func (c *Controller) run(ctx context.Context, span trace.Span, req Request, traceID string) (*Result, error) {
	// ADMITTED
	cost := c.weight(req.Kind)
	ok, err := c.limiter.TryAcquire(ctx, req.TenantID, cost)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !ok {
		return nil, &RejectionError{
			Code:       CodeRateLimited,
			State:      StateRejectedRateLimit,
			RetryAfter: c.limiter.RetryAfter(cost),
			Err:        ErrRateLimited,
		}
	}
	span.AddEvent(string(StateAdmitted))

	if req.TraceID != "" {
		prior, err := c.priorOutcome(ctx, req.TenantID, traceID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	// RESOLVED
	em := c.resolver.Resolve(ctx, resolver.Query{
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Requested: req.Provider,
	})
	span.AddEvent(string(StateResolved), trace.WithAttributes(
		attribute.String("provider", em.Provider),
		attribute.String("source", string(em.Source)),
	))

	// AUTHORIZED
	estimate := c.estimator(req.Message)
	if _, err := c.billing.Authorize(ctx, req.TenantID, estimate); err != nil {
		switch {
		case errors.Is(err, billing.ErrAccountSuspended):
			return nil, &RejectionError{Code: CodeAccountSuspended, State: StateRejectedSuspended, Err: err}
		case errors.Is(err, billing.ErrInsufficientBalance):
			return nil, &RejectionError{Code: CodeInsufficientBalance, State: StateRejectedBalance, Err: err}
		}
		return nil, fmt.Errorf("authorize: %w", err)
	}
	span.AddEvent(string(StateAuthorized))

	// DISPATCHED
	res := &Result{
		TraceID:  traceID,
		Provider: em.Provider,
		Model:    em.Model,
		Source:   em.Source,
	}
	var (
		amount    int64
		resp      *provider.Response
		latencyMs int64
	)
	start := time.Now()
	resp, err = c.dispatcher.Chat(ctx, em.Provider, &provider.Request{
		Model:     em.Model,
		Messages:  []provider.Message{{Role: "user", Content: req.Message}},
		TenantID:  req.TenantID,
		RequestID: traceID,
	})
	if err != nil {
		pe := provider.AsError(em.Provider, err)
		res.Degraded = true
		res.Notice = "provider unavailable: " + pe.Message
		res.Content = fmt.Sprintf("[%s unavailable] The request could not be completed.", em.Provider)
		amount = estimate
		resp = &provider.Response{InputTokens: provider.EstimateTokens(req.Message)}
		latencyMs = time.Since(start).Milliseconds()
	} else {
		res.Content = resp.Content
		if resp.Model != "" {
			res.Model = resp.Model
		}
		amount = c.dispatcher.Cost(em.Provider, resp.InputTokens, resp.OutputTokens)
		latencyMs = resp.LatencyMs
	}
	span.AddEvent(string(StateDispatched), trace.WithAttributes(attribute.Bool("degraded", res.Degraded)))

	// SETTLED. The provider cost is already incurred, so settlement must
	// outlive a cancelled caller.
	settleCtx := context.WithoutCancel(ctx)
	settlement, err := c.billing.Settle(settleCtx, req.TenantID, traceID, amount)
	if err != nil {
		res.State = StateSettlementFailed
		res.SettlementErr = err
		res.TokensSpent = 0
		c.settlementFailed(settleCtx, req.TenantID, traceID, em.Provider, amount, err)
	} else {
		res.State = StateSettled
		res.TokensSpent = settlement.Amount
	}

	c.recordUsage(settleCtx, req.TenantID, traceID, em, resp, amount, latencyMs, res.Degraded)

	filtered := filter.Apply(res.Content)
	res.Content = filtered.Text
	res.Issues = filtered.Issues
	return res, nil
}

// priorOutcome answers a retried trace id without dispatching: from the
// ledger when it was charged, from the reconciliation queue when its
// settlement failed. It returns nil for a trace id never seen.
func (c *Controller) priorOutcome(ctx context.Context, tenantID, traceID string) (*Result, error) {
	settled, err := c.billing.LookupSettlement(ctx, tenantID, traceID)
	if err != nil {
		return nil, fmt.Errorf("lookup settlement: %w", err)
	}
	if settled != nil {
		c.log.Infow("replaying settled request", "tenant_id", tenantID, "trace_id", traceID, "amount", settled.Amount)
		return &Result{
			TraceID:     traceID,
			TokensSpent: settled.Amount,
			Replayed:    true,
			Notice:      "request already settled",
			State:       StateSettled,
		}, nil
	}

	if c.failures == nil {
		return nil, nil
	}
	job, err := c.failures.Find(ctx, tenantID, traceID)
	if err != nil {
		return nil, fmt.Errorf("lookup settlement job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	c.log.Infow("replaying unsettled request", "tenant_id", tenantID, "trace_id", traceID, "job_status", job.Status)
	return &Result{
		TraceID:       traceID,
		Replayed:      true,
		Notice:        "settlement pending reconciliation",
		State:         StateSettlementFailed,
		SettlementErr: errors.New(job.Cause),
	}, nil
}

func (c *Controller) settlementFailed(ctx context.Context, tenantID, traceID, providerKey string, amount int64, cause error) {
	reason := "store_error"
	if errors.Is(cause, billing.ErrInsufficientBalance) {
		reason = CodeInsufficientBalance
	}
	metrics.SettlementFailuresTotal.WithLabelValues(reason).Inc()
	c.log.Errorw("settlement failed after dispatch",
		"tenant_id", tenantID, "trace_id", traceID, "provider", providerKey,
		"amount", amount, "reason", reason, "cause", cause)

	if err := c.notifier.Notify(ctx, notify.SettlementFailure(tenantID, traceID, providerKey, amount, cause)); err != nil {
		c.log.Warnw("failed to publish settlement failure", "tenant_id", tenantID, "trace_id", traceID, "error", err)
	}

	if c.failures == nil {
		return
	}
	job := &worker.SettlementJob{TenantID: tenantID, TraceID: traceID, Amount: amount, Cause: cause.Error()}
	if err := c.failures.Enqueue(ctx, job); err != nil {
		c.log.Errorw("failed to enqueue settlement for reconciliation",
			"tenant_id", tenantID, "trace_id", traceID, "amount", amount, "error", err)
	}
}

func (c *Controller) recordUsage(ctx context.Context, tenantID, traceID string, em resolver.EffectiveModel, resp *provider.Response, units, latencyMs int64, degraded bool) {
	if c.usage == nil {
		return
	}
	model := em.Model
	if resp.Model != "" {
		model = resp.Model
	}
	rec := &billing.UsageRecord{
		TenantID:     tenantID,
		TraceID:      traceID,
		Provider:     em.Provider,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Units:        units,
		LatencyMs:    latencyMs,
		Degraded:     degraded,
	}
	if err := c.usage.RecordUsage(ctx, rec); err != nil {
		c.log.Warnw("failed to record usage", "tenant_id", tenantID, "trace_id", traceID, "error", err)
	}
}
