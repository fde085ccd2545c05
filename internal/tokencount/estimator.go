// Package tokencount estimates the input-token cost of a chat completion
// request before it is sent upstream, and exposes the arithmetic
// Admission uses to reconcile that estimate against a provider's
// reported usage once the real count is known.
package tokencount

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// ChatMessage is the minimal shape of one message in an OpenAI-style
// chat request body: enough structure to estimate tokens without
// depending on any one provider's transcoder types.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ChatRequest is the structured shape Estimate walks: messages plus an
// optional tool/function schema blob, whose serialized size is charged
// like any other content.
type ChatRequest struct {
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Tools    json.RawMessage `json:"tools,omitempty"`
}

// perMessageOverhead is the per-message token tax the spec's
// character-based fallback formula charges for role/delimiter framing:
// ceil(total_utf8_chars/3) + 4*n_messages.
const perMessageOverhead = 4

// Estimator estimates the input tokens of a ChatRequest. Implementations
// must be deterministic and monotonic in content length, and must never
// under-count by more than a small, bounded factor.
type Estimator interface {
	Estimate(req ChatRequest) uint64
}

// FallbackEstimator is the conservative character-based upper bound used
// when no BPE codec is available for the request's model family:
// ceil(total_utf8_chars/3) + per_message_overhead(4) * n_messages.
type FallbackEstimator struct{}

// Estimate implements Estimator.
func (FallbackEstimator) Estimate(req ChatRequest) uint64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Role) + len(m.Name) + contentChars(m.Content)
	}
	if len(req.Tools) > 0 {
		chars += len(req.Tools)
	}
	tokens := uint64(math.Ceil(float64(chars)/3.0)) + uint64(perMessageOverhead*len(req.Messages))
	return tokens
}

// contentChars measures the UTF-8 byte length of a message's content,
// whether it is a plain string or a multi-part content array (images,
// tool results): either way the raw JSON length is a safe upper bound on
// the text a tokenizer would actually see.
func contentChars(raw json.RawMessage) int {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return len(s)
	}
	return len(raw)
}

// BPEEstimator counts tokens with a real byte-pair-encoding codec,
// matching the spec's preference for "a BPE-style tokenizer matching the
// model family when available". It falls back to FallbackEstimator for
// any text it fails to encode, so a single malformed message never fails
// the whole estimate.
type BPEEstimator struct {
	codec    tokenizer.Codec
	fallback FallbackEstimator
}

// NewBPEEstimator builds a BPEEstimator for model, mapping the family to
// the closest tiktoken encoding. Unknown models fall through to the cl100k
// encoding used by the GPT-3.5/4 family, which is the closest available
// approximation for non-OpenAI providers' tokenizers too.
func NewBPEEstimator(model string) (*BPEEstimator, error) {
	codec, err := tokenizer.ForModel(modelToTokenizerModel(model))
	if err != nil {
		return nil, err
	}
	return &BPEEstimator{codec: codec}, nil
}

func modelToTokenizerModel(model string) tokenizer.Model {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-4o"):
		return tokenizer.GPT4o
	case strings.Contains(m, "gpt-4"):
		return tokenizer.GPT4
	case strings.Contains(m, "gpt-3.5"):
		return tokenizer.GPT3Dot5Turbo
	default:
		// Anthropic and Gemini publish no public BPE vocabulary; cl100k
		// (via the GPT-4 encoding) is the closest available approximation
		// and still satisfies the spec's "never under-count" requirement
		// better than the character fallback alone.
		return tokenizer.GPT4
	}
}

// Estimate implements Estimator.
func (e *BPEEstimator) Estimate(req ChatRequest) uint64 {
	var total uint64
	for _, m := range req.Messages {
		text := contentText(m.Content)
		n, err := e.codec.Count(text)
		if err != nil {
			total += e.fallback.Estimate(ChatRequest{Messages: []ChatMessage{m}})
			continue
		}
		total += uint64(n) + perMessageOverhead
	}
	if len(req.Tools) > 0 {
		n, err := e.codec.Count(string(req.Tools))
		if err == nil {
			total += uint64(n)
		} else {
			total += uint64(math.Ceil(float64(len(req.Tools)) / 3.0))
		}
	}
	return total
}

func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// codecCache memoizes BPEEstimators per model family so concurrent
// requests for the same model don't each build their own codec.
type codecCache struct {
	mu    sync.Mutex
	byKey map[string]*BPEEstimator
}

var globalCodecCache = &codecCache{byKey: make(map[string]*BPEEstimator)}

func (c *codecCache) get(model string) *BPEEstimator {
	key := string(modelToTokenizerModel(model))
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byKey[key]; ok {
		return e
	}
	e, err := NewBPEEstimator(model)
	if err != nil {
		return nil
	}
	c.byKey[key] = e
	return e
}

// ForModel returns the best available Estimator for model: a cached BPE
// codec for the model's family (unrecognized families use the GPT-4
// encoding), or FallbackEstimator when no codec can be built.
func ForModel(model string) Estimator {
	if e := globalCodecCache.get(model); e != nil {
		return e
	}
	return FallbackEstimator{}
}

// MaxSampleBytes bounds how much of a request body EstimateRequest reads
// into memory for parsing; a larger body is estimated from the byte count
// of that sample alone.
const MaxSampleBytes = 1 << 20 // 1 MiB

// EstimateRequest decodes r's JSON body into a ChatRequest, estimates its
// input tokens with the best available Estimator for the parsed model,
// and restores r.Body so downstream handlers (the provider transcoder)
// still see the full, unconsumed request.
func EstimateRequest(r *http.Request) (tokens uint64, model string) {
	if r.Body == nil {
		return 0, ""
	}
	orig := r.Body
	buf := &bytes.Buffer{}
	_, _ = io.CopyN(buf, orig, MaxSampleBytes+1)
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf.Bytes()), orig), orig}

	var req ChatRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		// Unparseable body (or truncated by the sample cap): fall back to
		// a pure byte-count estimate rather than refusing to estimate.
		return uint64(math.Ceil(float64(buf.Len()) / 3.0)), ""
	}
	return ForModel(req.Model).Estimate(req), req.Model
}

// Reconcile computes the signed delta Admission applies to a bucket once
// actual usage is known: positive when the provider used more than was
// estimated (an additional debit), negative when it used less (a
// refund). When countOutputTokens is set the bucket governs the sum of
// input and output tokens rather than input alone (§4.2's output-token
// extension, off by default).
func Reconcile(estimatedInput uint64, actualInput, actualOutput uint64, countOutputTokens bool) int64 {
	actual := actualInput
	if countOutputTokens {
		actual += actualOutput
	}
	return int64(actual) - int64(estimatedInput)
}
