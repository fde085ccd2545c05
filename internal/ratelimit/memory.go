package ratelimit

import (
	"context"
	"fmt"
	"hash/maphash"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// MemoryStore is the default CounterStore: buckets are partitioned across
// N shards (N = runtime.NumCPU, rounded up to a power of two), each
// holding an independent otter LRU and mutex. Sharding is purely a
// throughput directive; the semantics are identical to a single
// mutex-guarded map. Capping each shard's size with an LRU bounds memory
// for the long tail of rarely-seen client IDs without ever needing an
// explicit bucket teardown path.
type MemoryStore struct {
	shards   []*shard
	shardFor func(string) int
}

type shard struct {
	mu    sync.Mutex
	cache *otter.Cache[string, *BucketState]
}

// DefaultMaxBucketsPerShard bounds how many distinct BucketKeys a single
// shard retains before evicting the least recently used.
const DefaultMaxBucketsPerShard = 100_000

// NewMemoryStore builds a sharded in-memory CounterStore. maxPerShard <= 0
// falls back to DefaultMaxBucketsPerShard.
func NewMemoryStore(maxPerShard int) *MemoryStore {
	if maxPerShard <= 0 {
		maxPerShard = DefaultMaxBucketsPerShard
	}
	n := nextPowerOfTwo(runtime.NumCPU())
	shards := make([]*shard, n)
	for i := range shards {
		cache, err := otter.New[string, *BucketState](&otter.Options[string, *BucketState]{
			MaximumSize: maxPerShard,
		})
		if err != nil {
			// Options above are always valid; otter only errors on
			// malformed configuration.
			panic(fmt.Sprintf("ratelimit: building shard cache: %v", err))
		}
		shards[i] = &shard{cache: cache}
	}

	var seed = maphash.MakeSeed()
	mask := uint64(n - 1)
	return &MemoryStore{
		shards: shards,
		shardFor: func(key string) int {
			return int(maphash.String(seed, key) & mask)
		},
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// stateFor returns the BucketState for key, creating a freshly-filled one
// on first reference. Caller must hold s.mu.
func (s *shard) stateFor(key string) *BucketState {
	if st, ok := s.cache.GetIfPresent(key); ok {
		return st
	}
	st := &BucketState{}
	s.cache.Set(key, st)
	return st
}

// shardsFor returns the distinct shard indices touched by keys, sorted
// ascending. Locking shards in this order, regardless of which request
// originated the charge, is what makes concurrent multi-bucket charges
// deadlock-free.
func (m *MemoryStore) shardsFor(charges []BucketCharge) []int {
	seen := make(map[int]struct{}, len(charges))
	for _, c := range charges {
		seen[m.shardFor(c.Key.String())] = struct{}{}
	}
	idx := make([]int, 0, len(seen))
	for i := range seen {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// TryCharge implements CounterStore.
func (m *MemoryStore) TryCharge(_ context.Context, charges []BucketCharge, now time.Time) error {
	if len(charges) == 0 {
		return nil
	}
	locked := m.shardsFor(charges)
	for _, i := range locked {
		m.shards[i].mu.Lock()
	}
	defer func() {
		for _, i := range locked {
			m.shards[i].mu.Unlock()
		}
	}()

	debited := make([]BucketCharge, 0, len(charges))
	for _, c := range charges {
		s := m.shards[m.shardFor(c.Key.String())]
		state := s.stateFor(c.Key.String())
		remaining := state.refill(c.Spec, now)
		if remaining < float64(c.Amount) {
			// Roll back every debit already applied in this transaction.
			for _, d := range debited {
				rs := m.shards[m.shardFor(d.Key.String())]
				rstate := rs.stateFor(d.Key.String())
				rstate.Remaining += float64(d.Amount)
				if rstate.Remaining > float64(d.Spec.Capacity) {
					rstate.Remaining = float64(d.Spec.Capacity)
				}
			}
			return &RateLimitedError{
				Key:        c.Key,
				RetryAfter: retryAfter(c.Spec, remaining, c.Amount),
				Remaining:  remaining,
			}
		}
		state.Remaining = remaining - float64(c.Amount)
		debited = append(debited, c)
	}
	return nil
}

// Refund implements CounterStore.
func (m *MemoryStore) Refund(_ context.Context, key BucketKey, spec BucketSpec, amount uint64, now time.Time) error {
	s := m.shards[m.shardFor(key.String())]
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateFor(key.String())
	remaining := state.refill(spec, now)
	remaining += float64(amount)
	if remaining > float64(spec.Capacity) {
		remaining = float64(spec.Capacity)
	}
	state.Remaining = remaining
	return nil
}

// ForceDebit implements CounterStore.
func (m *MemoryStore) ForceDebit(_ context.Context, key BucketKey, spec BucketSpec, amount uint64, now time.Time) error {
	s := m.shards[m.shardFor(key.String())]
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateFor(key.String())
	remaining := state.refill(spec, now)
	remaining -= float64(amount)
	if remaining < 0 {
		remaining = 0
	}
	state.Remaining = remaining
	return nil
}

// Peek refills a bucket up to now and returns its remaining tokens without
// debiting anything; a bucket not seen before is created full. Used by tests.
func (m *MemoryStore) Peek(key BucketKey, spec BucketSpec, now time.Time) float64 {
	s := m.shards[m.shardFor(key.String())]
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateFor(key.String())
	return state.refill(spec, now)
}
