// Package admission orchestrates the request lifecycle the rest of the
// gateway cares about: extract identity, resolve policy, pre-charge
// estimated tokens, hand a reconciliation handle to the caller, and make
// sure that handle is settled exactly once no matter how the request
// ends.
package admission

import (
	"context"

	"github.com/tokenrelay/llm-gateway/internal/clock"
	"github.com/tokenrelay/llm-gateway/internal/identity"
	"github.com/tokenrelay/llm-gateway/internal/ratelimit"
)

// Envelope is the input to Admit: everything needed to identify the
// caller, resolve policy, and pre-charge an estimate.
type Envelope struct {
	ProviderName         string
	ModelName            string
	Identity             identity.Identity
	EstimatedInputTokens uint64
	Stream               bool
}

// UsageReport is what a provider adapter reports once a request
// completes (or, for streaming, once the final usage-bearing event is
// observed).
type UsageReport struct {
	InputTokens  uint64
	OutputTokens uint64
}

// Recorder receives observations about admission decisions and
// reconciliation outcomes. A nil Recorder (the default) is a silent
// no-op; internal/metrics implements this to feed Prometheus without
// this package importing it directly.
type Recorder interface {
	RecordAdmission(provider string, admitted bool)
	RecordCharge(provider string, amount uint64)
	RecordReconcileDelta(provider string, delta int64)
}

type noopRecorder struct{}

func (noopRecorder) RecordAdmission(string, bool)       {}
func (noopRecorder) RecordCharge(string, uint64)        {}
func (noopRecorder) RecordReconcileDelta(string, int64) {}

// DeniedError wraps a *ratelimit.RateLimitedError. Admit does not return
// it: when the store's buckets cannot admit the request's estimate, Admit
// returns the store's *ratelimit.RateLimitedError unwrapped, and that is
// the type errormapper.WriteAdmissionError renders as a 429. Identity
// failures come from Extractor.Extract as *identity.MissingClientIDError /
// *identity.InvalidGroupError.
type DeniedError struct {
	*ratelimit.RateLimitedError
}

// Admission wires the identity extractor, policy resolver and counter
// store into the admit/reconcile/refund state machine described in the
// spec's §4.5. It holds no token estimator: the estimate arrives on the
// Envelope.
type Admission struct {
	Extractor *identity.Extractor
	Policy    *ratelimit.PolicyResolver
	Store     ratelimit.CounterStore
	Clock     clock.Clock
	Recorder  Recorder
}

// New builds an Admission over the given collaborators.
func New(extractor *identity.Extractor, policy *ratelimit.PolicyResolver, store ratelimit.CounterStore, clk clock.Clock) *Admission {
	if clk == nil {
		clk = clock.Real()
	}
	return &Admission{Extractor: extractor, Policy: policy, Store: store, Clock: clk, Recorder: noopRecorder{}}
}

// WithRecorder attaches r as the Admission's metrics sink and returns the
// same Admission for chaining. A nil r restores the no-op recorder.
func (a *Admission) WithRecorder(r Recorder) *Admission {
	if r == nil {
		r = noopRecorder{}
	}
	a.Recorder = r
	return a
}

// Admit resolves policy for envelope and pre-charges its estimate. On
// success it returns a live Charge that must be settled exactly once via
// ReconcileSync, BindStream, or RefundAll. On denial, no Charge is
// ever handed back (P5): the caller renders the returned error and the
// request never reaches the provider.
func (a *Admission) Admit(ctx context.Context, env Envelope) (*Charge, error) {
	policy, err := a.Policy.Resolve(env.ProviderName, env.Identity)
	if err != nil {
		return nil, err
	}

	now := a.Clock.Now()
	charges := policy.Charges(env.EstimatedInputTokens)
	if len(charges) > 0 {
		if err := a.Store.TryCharge(ctx, charges, now); err != nil {
			a.Recorder.RecordAdmission(env.ProviderName, false)
			return nil, err
		}
	}
	a.Recorder.RecordAdmission(env.ProviderName, true)
	a.Recorder.RecordCharge(env.ProviderName, env.EstimatedInputTokens)

	return &Charge{
		store:     a.Store,
		charges:   charges,
		estimated: env.EstimatedInputTokens,
		createdAt: now,
		clk:       a.Clock,
		provider:  env.ProviderName,
		recorder:  a.Recorder,
	}, nil
}

// EstimateAndAdmit is the common-case entry point at the HTTP edge: it
// builds an Envelope from an already-extracted identity and a
// caller-supplied input-token estimate (AdmissionMiddleware computes it
// with tokencount.EstimateRequest) and calls Admit. It does no
// estimation itself.
func (a *Admission) EstimateAndAdmit(ctx context.Context, id identity.Identity, provider string, estimatedTokens uint64, model string, stream bool) (*Charge, error) {
	return a.Admit(ctx, Envelope{
		ProviderName:         provider,
		ModelName:            model,
		Identity:             id,
		EstimatedInputTokens: estimatedTokens,
		Stream:               stream,
	})
}
