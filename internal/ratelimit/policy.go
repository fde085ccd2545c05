package ratelimit

import (
	"time"

	"github.com/tokenrelay/llm-gateway/internal/config"
	"github.com/tokenrelay/llm-gateway/internal/identity"
)

// Policy is the ordered, resolved list of buckets applicable to one
// request. Every entry must admit for the request to proceed; an empty
// Policy means the request is unconditionally admitted.
type Policy []PolicyEntry

// PolicyEntry names one bucket and the spec governing it, before an
// amount has been attached (that happens once the estimator has run).
type PolicyEntry struct {
	Key  BucketKey
	Spec BucketSpec
}

// Charges attaches amount to every entry, producing the BucketCharge list
// CounterStore.TryCharge expects.
func (p Policy) Charges(amount uint64) []BucketCharge {
	charges := make([]BucketCharge, len(p))
	for i, e := range p {
		charges[i] = BucketCharge{Key: e.Key, Spec: e.Spec, Amount: amount}
	}
	return charges
}

// PolicyResolver resolves the set of buckets applicable to a given
// (provider, identity) pair from the loaded configuration, per the
// per-group / per-user / provider-global resolution order.
type PolicyResolver struct {
	llm config.LLMConfig
}

// NewPolicyResolver builds a resolver over the llm.providers.* policy
// subtree.
func NewPolicyResolver(llm config.LLMConfig) *PolicyResolver {
	return &PolicyResolver{llm: llm}
}

// Resolve returns the ordered policy for one request. All returned
// entries must admit; if none apply the request is unconditionally
// admitted (an empty, non-nil Policy).
func (r *PolicyResolver) Resolve(provider string, id identity.Identity) (Policy, error) {
	providerCfg, ok := r.llm.Providers[provider]
	if !ok {
		return Policy{}, nil
	}
	limits := providerCfg.RateLimits

	var policy Policy

	if id.HasGroup && limits.PerUser != nil {
		if groupCfg, ok := limits.PerUser.Groups[id.GroupID]; ok {
			spec, err := bucketSpecFromGroup(groupCfg)
			if err != nil {
				return nil, err
			}
			policy = append(policy, PolicyEntry{
				Key:  BucketKey{Scope: ScopePerGroup, Provider: provider, Principal: id.GroupID},
				Spec: spec,
			})
		} else if limits.PerUser.InputTokenLimit > 0 {
			// §9: a group on the allow-list with no dedicated rate-limit
			// block falls back to the per-user spec.
			spec, err := bucketSpecFromTokenLimit(*limits.PerUser)
			if err != nil {
				return nil, err
			}
			policy = append(policy, PolicyEntry{
				Key:  BucketKey{Scope: ScopePerUser, Provider: provider, Principal: id.ClientID},
				Spec: spec,
			})
		}
	} else if limits.PerUser != nil && limits.PerUser.InputTokenLimit > 0 {
		spec, err := bucketSpecFromTokenLimit(*limits.PerUser)
		if err != nil {
			return nil, err
		}
		policy = append(policy, PolicyEntry{
			Key:  BucketKey{Scope: ScopePerUser, Provider: provider, Principal: id.ClientID},
			Spec: spec,
		})
	}

	if limits.PerProviderGlobal != nil && limits.PerProviderGlobal.InputTokenLimit > 0 {
		spec, err := bucketSpecFromTokenLimit(*limits.PerProviderGlobal)
		if err != nil {
			return nil, err
		}
		policy = append(policy, PolicyEntry{
			Key:  BucketKey{Scope: ScopePerProviderGlobal, Provider: provider, Principal: "global"},
			Spec: spec,
		})
	}

	return policy, nil
}

func bucketSpecFromTokenLimit(c config.TokenLimitConfig) (BucketSpec, error) {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return BucketSpec{}, err
	}
	return BucketSpec{Capacity: c.InputTokenLimit, Interval: d, CountOutputTokens: c.CountOutputTokens}, nil
}

func bucketSpecFromGroup(c config.GroupLimitConfig) (BucketSpec, error) {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return BucketSpec{}, err
	}
	return BucketSpec{Capacity: c.InputTokenLimit, Interval: d, CountOutputTokens: c.CountOutputTokens}, nil
}
