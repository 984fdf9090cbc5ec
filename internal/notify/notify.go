// Package notify carries administrative side-channel signals (low balance,
// failed settlements) to external consumers. Delivery is best effort:
// callers wrap the concrete notifiers in Async so a slow or broken sink
// never fails a request.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vnmchuo/llm-metering/pkg/logger"
	"github.com/vnmchuo/llm-metering/pkg/metrics"
)

type Kind string

const (
	KindLowBalance        Kind = "low_balance"
	KindSettlementFailure Kind = "settlement_failure"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	TenantID  string    `json:"tenant_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Balance   int64     `json:"balance"`
	SoftLimit int64     `json:"soft_limit,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

func LowBalance(tenantID, stage string, balance, softLimit int64) Event {
	return Event{
		Kind:      KindLowBalance,
		TenantID:  tenantID,
		Stage:     stage,
		Balance:   balance,
		SoftLimit: softLimit,
		At:        time.Now().UTC(),
	}
}

func SettlementFailure(tenantID, traceID, provider string, amount int64, cause error) Event {
	e := Event{
		Kind:     KindSettlementFailure,
		TenantID: tenantID,
		TraceID:  traceID,
		Amount:   amount,
		Provider: provider,
		At:       time.Now().UTC(),
	}
	if cause != nil {
		e.Cause = cause.Error()
	}
	return e
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	switch e.Kind {
	case KindSettlementFailure:
		n.log.Errorw("settlement failed",
			"tenant_id", e.TenantID, "trace_id", e.TraceID, "amount", e.Amount,
			"provider", e.Provider, "cause", e.Cause)
	default:
		n.log.Warnw("low balance",
			"tenant_id", e.TenantID, "stage", e.Stage,
			"balance", e.Balance, "soft_limit", e.SoftLimit)
	}
	return nil
}

// Async decouples callers from delivery with a bounded queue. Events are
// dropped, and counted, when the queue is full or Close has been called.
type Async struct {
	next    Notifier
	queue   chan Event
	log     *logger.Logger
	timeout time.Duration
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Notifier, size int, log *logger.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, size),
		log:     log.With("component", "notify_async"),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify enqueues e and returns immediately.
func (a *Async) Notify(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.NotificationsTotal.WithLabelValues(string(e.Kind), "dropped").Inc()
		a.log.Warnw("notifier closed, dropping event", "kind", e.Kind, "tenant_id", e.TenantID)
		return nil
	}
	select {
	case a.queue <- e:
		return nil
	default:
		metrics.NotificationsTotal.WithLabelValues(string(e.Kind), "dropped").Inc()
		a.log.Warnw("notification queue full, dropping event", "kind", e.Kind, "tenant_id", e.TenantID)
		return nil
	}
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Notify(ctx, e)
		cancel()
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(e.Kind), "error").Inc()
			a.log.Warnw("notification failed", "kind", e.Kind, "tenant_id", e.TenantID, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(e.Kind), "sent").Inc()
	}
}

// Close drains the queue and waits for pending deliveries or ctx. It is
// safe to call more than once.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
