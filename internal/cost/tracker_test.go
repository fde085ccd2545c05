package cost

import (
	"sync"
	"testing"

	"github.com/tokenrelay/llm-gateway/internal/providers"
)

type recordingTransport struct {
	mu      sync.Mutex
	records []*CostRecord
}

func (rt *recordingTransport) WriteRecord(record *CostRecord) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.records = append(rt.records, record)
	return nil
}

func (rt *recordingTransport) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.records)
}

// TestAsyncWorkerPoolProcessesQueuedRecords exercises the errgroup-managed
// worker pool end to end: start it, push records through TrackRequest in
// async mode, and confirm StopAsyncWorkers drains everything still queued
// before eg.Wait() returns.
func TestAsyncWorkerPoolProcessesQueuedRecords(t *testing.T) {
	transport := &recordingTransport{}
	ct := NewCostTracker(transport)
	ct.SetPricingForModel("openai", "gpt-4o", &ModelPricing{
		Tiers: []PricingTier{{Input: 1, Output: 2}},
	})
	ct.ConfigureAsync(2, 100, 60)

	if err := ct.StartAsyncWorkers(); err != nil {
		t.Fatalf("StartAsyncWorkers: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := ct.TrackRequest(&providers.LLMResponseMetadata{
			Provider:     "openai",
			Model:        "gpt-4o",
			InputTokens:  10,
			OutputTokens: 5,
			TotalTokens:  15,
		}, "user1", "127.0.0.1", "/openai/v1/chat/completions"); err != nil {
			t.Fatalf("TrackRequest: %v", err)
		}
	}

	ct.StopAsyncWorkers()

	if got := transport.count(); got != 10 {
		t.Fatalf("expected all 10 records flushed by the worker pool, got %d", got)
	}
}

// TestStartAsyncWorkersRequiresAsyncMode mirrors the teacher's guard: a
// sync-mode tracker refuses to start the errgroup-managed pool.
func TestStartAsyncWorkersRequiresAsyncMode(t *testing.T) {
	ct := NewCostTracker(&recordingTransport{})
	if err := ct.StartAsyncWorkers(); err == nil {
		t.Fatal("expected an error starting async workers without ConfigureAsync")
	}
}

// TestStopAsyncWorkersIsSafeWithoutStart ensures StopAsyncWorkers (which
// now calls eg.Wait() through a nil-checked *errgroup.Group) doesn't panic
// when no pool was ever started.
func TestStopAsyncWorkersIsSafeWithoutStart(t *testing.T) {
	ct := NewCostTracker(&recordingTransport{})
	ct.StopAsyncWorkers()
}

func TestCalculateCost(t *testing.T) {
	ct := NewCostTracker()
	ct.SetPricingForModel("openai", "gpt-4o", &ModelPricing{
		Tiers: []PricingTier{{Input: 5, Output: 15}},
	})

	input, output, total, err := ct.CalculateCost("openai", "gpt-4o", 1_000_000, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if input != 5 || output != 15 || total != 20 {
		t.Fatalf("unexpected cost: input=%v output=%v total=%v", input, output, total)
	}
}
