package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenrelay/llm-gateway/internal/clock"
	"github.com/tokenrelay/llm-gateway/internal/ratelimit"
	"github.com/tokenrelay/llm-gateway/internal/tokencount"
)

// Charge is the scoped handle a successful Admit hands back: proof that
// tokens have been pre-charged, and the only thing allowed to reconcile
// or refund them. Exactly one of ReconcileSync, BindStream, or
// RefundAll must run per Charge; EnsureSettled is the guarded fallback
// that makes a forgotten Charge safe (it reconciles as if actual usage
// equaled the estimate, per the spec's "the pre-charge stands" rule)
// rather than leaking a debit nobody ever resolves.
type Charge struct {
	store     ratelimit.CounterStore
	charges   []ratelimit.BucketCharge
	estimated uint64
	createdAt time.Time
	clk       clock.Clock
	provider  string
	recorder  Recorder

	once    sync.Once
	settled atomic.Bool
}

// EstimatedInputTokens is the amount this Charge pre-charged.
func (c *Charge) EstimatedInputTokens() uint64 { return c.estimated }

// CreatedAt is when Admit issued this Charge.
func (c *Charge) CreatedAt() time.Time { return c.createdAt }

// Settled reports whether the charge has already been reconciled or
// refunded; AdmissionMiddleware uses it to decide whether its own
// end-of-request fallback needs to run.
func (c *Charge) Settled() bool { return c.settled.Load() }

// ReconcileSync adjusts every bucket in the charge by (actual - estimated)
// once a non-streaming provider response reports real usage. Over-use is
// charged (clamped at zero, never retroactively failing); under-use is
// refunded (clamped at capacity).
func (c *Charge) ReconcileSync(ctx context.Context, usage UsageReport) error {
	var err error
	c.once.Do(func() {
		defer c.settled.Store(true)
		err = c.reconcile(ctx, usage)
	})
	return err
}

// StreamEvent is one chunk of a provider's streaming response as it
// flows through BindStream. Usage, when non-nil, is the usage metadata
// parsed from this particular chunk (in practice only the stream's
// terminal event carries it). Err carries a terminal read error from
// the upstream connection; BindStream forwards it downstream rather
// than inspecting it.
type StreamEvent struct {
	Data  []byte
	Usage *UsageReport
	Err   error
}

// BindStream wraps a producer's event channel so the Charge can observe
// the stream's final usage without ever buffering the stream itself:
// every event is forwarded to the returned channel as soon as it
// arrives. Once events closes (the producer reached the end of the
// upstream response, by success or disconnect), the Charge reconciles
// exactly once, using the last Usage observed, or the original estimate
// if the stream never carried one. The caller must drain the returned
// channel to completion for the reconcile to run.
func (c *Charge) BindStream(events <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		usage := UsageReport{InputTokens: c.estimated}
		for ev := range events {
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			out <- ev
		}
		_ = c.ReconcileSync(context.Background(), usage)
	}()
	return out
}

// RefundAll credits every bucket in the charge back by the full
// estimated amount: used when the provider call fails before producing
// any tokens (including timeouts) or is cancelled between admission and
// dispatch.
func (c *Charge) RefundAll(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		defer c.settled.Store(true)
		now := c.clk.Now()
		for _, ch := range c.charges {
			if e := c.store.Refund(ctx, ch.Key, ch.Spec, ch.Amount, now); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}

// EnsureSettled is the guarded-release fallback: if neither reconcile nor
// refund has run yet (the Charge was "dropped"), it reconciles with
// usage=estimated, i.e. the pre-charge stands exactly as debited. Safe
// and idempotent to call after an explicit ReconcileSync/RefundAll too.
func (c *Charge) EnsureSettled(ctx context.Context) {
	if c.Settled() {
		return
	}
	_ = c.ReconcileSync(ctx, UsageReport{InputTokens: c.estimated})
}

func (c *Charge) reconcile(ctx context.Context, usage UsageReport) error {
	now := c.clk.Now()
	for _, ch := range c.charges {
		delta := tokencount.Reconcile(c.estimated, usage.InputTokens, usage.OutputTokens, ch.Spec.CountOutputTokens)
		if err := ratelimit.Reconcile(ctx, c.store, []ratelimit.BucketCharge{ch}, delta, now); err != nil {
			return err
		}
		if c.recorder != nil {
			c.recorder.RecordReconcileDelta(c.provider, delta)
		}
	}
	return nil
}
