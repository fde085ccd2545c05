// Package ratelimit implements token-bucket rate limiting over
// estimated-then-reconciled token counts: a CounterStore debits buckets
// atomically with continuous refill, and a PolicyResolver decides which
// buckets apply to a given request.
package ratelimit

import (
	"fmt"
	"time"
)

// Scope names which tier of the resolution order a BucketKey belongs to.
type Scope string

const (
	ScopePerUser           Scope = "per_user"
	ScopePerGroup          Scope = "per_group"
	ScopePerProviderGlobal Scope = "per_provider_global"
)

// BucketKey identifies one counter. Two requests that produce the same
// BucketKey share a bucket. WindowID disambiguates buckets that share a
// scope/provider/principal but are governed by distinct specs (not
// currently produced by PolicyResolver, but kept so a future multi-window
// policy doesn't require a BucketKey shape change).
type BucketKey struct {
	Scope     Scope
	Provider  string
	Principal string // client_id or group_id, depending on Scope
	WindowID  string
}

// String renders a BucketKey into the flat form used as a map/Redis key.
// MemoryStore hashes this string to pick a bucket's shard; its TryCharge
// locks shards in ascending shard-index order.
func (k BucketKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Scope, k.Provider, k.Principal, k.WindowID)
}

// BucketSpec is a bucket's capacity/refill rate.
type BucketSpec struct {
	Capacity          uint64
	Interval          time.Duration
	CountOutputTokens bool
}

// refillRate returns tokens/second.
func (s BucketSpec) refillRate() float64 {
	if s.Interval <= 0 {
		return 0
	}
	return float64(s.Capacity) / s.Interval.Seconds()
}

// BucketState is one bucket's mutable state. remaining is tracked as a
// float so partial-second refills accumulate correctly between accesses.
type BucketState struct {
	Remaining  float64
	LastRefill time.Time
}

// refill advances state to now under spec, in place, and returns the
// refilled remaining. now is clamped to never precede LastRefill so an
// out-of-order timestamp can't rewind the bucket.
func (s *BucketState) refill(spec BucketSpec, now time.Time) float64 {
	if s.LastRefill.IsZero() {
		s.LastRefill = now
		s.Remaining = float64(spec.Capacity)
		return s.Remaining
	}
	if now.Before(s.LastRefill) {
		now = s.LastRefill
	}
	elapsed := now.Sub(s.LastRefill).Seconds()
	if elapsed > 0 {
		s.Remaining += elapsed * spec.refillRate()
		if s.Remaining > float64(spec.Capacity) {
			s.Remaining = float64(spec.Capacity)
		}
		s.LastRefill = now
	}
	return s.Remaining
}

// BucketCharge pairs a key and its applicable spec with the amount to
// debit or credit. A Charge (internal/admission) carries a slice of these
// to represent a multi-bucket transaction.
type BucketCharge struct {
	Key    BucketKey
	Spec   BucketSpec
	Amount uint64
}

// RateLimitedError is returned by TryCharge when any bucket in the
// transaction has insufficient remaining tokens.
type RateLimitedError struct {
	Key         BucketKey
	RetryAfter  time.Duration
	Remaining   float64
	RequestedAt uint64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on bucket %s: retry after %s", e.Key, e.RetryAfter)
}

func retryAfter(spec BucketSpec, remaining float64, amount uint64) time.Duration {
	rate := spec.refillRate()
	if rate <= 0 {
		return spec.Interval
	}
	deficit := float64(amount) - remaining
	if deficit <= 0 {
		return 0
	}
	secs := deficit / rate
	d := time.Duration(secs * float64(time.Second))
	if d > spec.Interval {
		d = spec.Interval
	}
	if d < 0 {
		d = 0
	}
	// Round up to the next whole second per the spec's ceil() directive.
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
