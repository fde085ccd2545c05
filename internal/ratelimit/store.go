package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the atomic heart of rate limiting: it debits and
// credits named buckets with lazy, continuous refill. Implementations
// must be safe for concurrent use and must never suspend while holding
// whatever lock protects a single bucket's mutation.
type CounterStore interface {
	// TryCharge debits amount from every bucket named by charges,
	// transactionally: either all buckets are debited, or none are. On
	// the first insufficient bucket it returns *RateLimitedError naming
	// that bucket and its retry_after.
	TryCharge(ctx context.Context, charges []BucketCharge, now time.Time) error

	// Refund credits amount back into key, clamped at the bucket's
	// capacity. MemoryStore never fails; RedisStore returns an error when
	// the Redis call fails.
	Refund(ctx context.Context, key BucketKey, spec BucketSpec, amount uint64, now time.Time) error

	// ForceDebit debits amount from key for post-hoc over-use, clamped at
	// zero. MemoryStore never fails; RedisStore returns an error when the
	// Redis call fails.
	ForceDebit(ctx context.Context, key BucketKey, spec BucketSpec, amount uint64, now time.Time) error
}

// Reconcile applies (actual - estimated) to every bucket in charges: a
// positive delta is an additional debit (clamped at zero, never
// retroactively failing), a negative delta is a refund (clamped at
// capacity). It is used identically by both the in-memory and the remote
// store's callers, so it lives once here rather than per-backend.
func Reconcile(ctx context.Context, store CounterStore, charges []BucketCharge, delta int64, now time.Time) error {
	for _, c := range charges {
		var err error
		switch {
		case delta > 0:
			err = store.ForceDebit(ctx, c.Key, c.Spec, uint64(delta), now)
		case delta < 0:
			err = store.Refund(ctx, c.Key, c.Spec, uint64(-delta), now)
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
