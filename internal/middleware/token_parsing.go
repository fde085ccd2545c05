package middleware

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/tokenrelay/llm-gateway/internal/admission"
	"github.com/tokenrelay/llm-gateway/internal/providers"
)

// MetadataCallback is a function that can be hooked into the TokenParsingMiddleware
// to process LLM response metadata.
type MetadataCallback func(r *http.Request, metadata *providers.LLMResponseMetadata)

// TokenParsingMiddleware intercepts responses to parse token usage and run
// callbacks (cost tracking, rate-limit reconciliation) against it. Streaming
// and non-streaming responses take different paths: non-streaming responses
// are small enough to buffer and parse once; streaming responses are fed
// through the Charge's BindStream one line at a time so usage is observed
// without holding the whole SSE body in memory.
func TokenParsingMiddleware(providerManager *providers.ProviderManager, callbacks ...MetadataCallback) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provider := GetProviderFromRequest(providerManager, r)
			isStreaming := providerManager.IsStreamingRequest(r)

			if isStreaming {
				serveStreaming(w, r, provider, next, callbacks)
				return
			}
			serveBuffered(w, r, provider, next, callbacks)
		})
	}
}

func isLLMAPIEndpoint(path string) bool {
	return strings.Contains(path, "/chat/completions") ||
		strings.Contains(path, "/completions") ||
		strings.Contains(path, "/messages") ||
		strings.Contains(path, ":generateContent")
}

func runCallbacks(r *http.Request, provider providers.Provider, metadata *providers.LLMResponseMetadata, callbacks []MetadataCallback) {
	if provider == nil || metadata == nil {
		return
	}
	if metadata.TotalTokens > 0 {
		log.Printf("🔢 LLM Response Metadata: provider=%s model=%s input=%d output=%d total=%d streaming=%t",
			metadata.Provider, metadata.Model, metadata.InputTokens, metadata.OutputTokens,
			metadata.TotalTokens, metadata.IsStreaming)
	}
	for _, callback := range callbacks {
		if callback != nil {
			callback(r, metadata)
		}
	}
}

func setMetadataHeaders(w http.ResponseWriter, metadata *providers.LLMResponseMetadata) {
	if metadata == nil {
		return
	}
	w.Header().Set("X-LLM-Input-Tokens", fmt.Sprintf("%d", metadata.InputTokens))
	w.Header().Set("X-LLM-Output-Tokens", fmt.Sprintf("%d", metadata.OutputTokens))
	w.Header().Set("X-LLM-Total-Tokens", fmt.Sprintf("%d", metadata.TotalTokens))
	w.Header().Set("X-LLM-Thought-Tokens", fmt.Sprintf("%d", metadata.ThoughtTokens))
	w.Header().Set("X-LLM-Provider", metadata.Provider)
	w.Header().Set("X-LLM-Model", metadata.Model)
	if metadata.RequestID != "" {
		w.Header().Set("X-LLM-Request-ID", metadata.RequestID)
	}
}

// serveBuffered handles the non-streaming case: the whole response body
// is small and arrives in one shot, so it is buffered and parsed once
// after the handler returns, matching how every provider's
// ParseResponseMetadata already expects to be called.
func serveBuffered(w http.ResponseWriter, r *http.Request, provider providers.Provider, next http.Handler, callbacks []MetadataCallback) {
	capture := &bufferedCapture{ResponseWriter: w, body: &bytes.Buffer{}}
	next.ServeHTTP(capture, r)

	if provider == nil || !isLLMAPIEndpoint(r.URL.Path) {
		return
	}

	metadata, err := provider.ParseResponseMetadata(bytes.NewReader(capture.body.Bytes()), false)
	if err != nil {
		log.Printf("Warning: failed to parse response metadata for %s: %v", provider.GetName(), err)
		return
	}
	if metadata == nil {
		return
	}

	setMetadataHeaders(w, metadata)
	runCallbacks(r, provider, metadata, callbacks)
}

// serveStreaming handles streaming responses. When the request carries an
// admission Charge, the upstream bytes are relayed through
// Charge.BindStream: streamCapture.Write feeds each line it sees to the
// provider's StreamAccumulator (which holds only the current partial line,
// never the whole response) and forwards the chunk unchanged to the client
// as soon as the admission layer has observed it. Reconciliation happens
// inside BindStream once the stream closes; this function only needs to
// wait for that to finish before running the cost-tracking callbacks.
func serveStreaming(w http.ResponseWriter, r *http.Request, provider providers.Provider, next http.Handler, callbacks []MetadataCallback) {
	sc := &streamCapture{ResponseWriter: w, provider: provider}

	if charge, ok := admission.FromContext(r.Context()); ok && charge != nil {
		events := make(chan admission.StreamEvent)
		out := charge.BindStream(events)

		sc.events = events
		sc.ack = make(chan struct{})
		sc.drainDone = make(chan struct{})

		go func() {
			defer close(sc.drainDone)
			for ev := range out {
				if ev.Err == nil && len(ev.Data) > 0 {
					if _, werr := sc.ResponseWriter.Write(ev.Data); werr != nil {
						log.Printf("Warning: failed to write streaming chunk: %v", werr)
					}
				}
				sc.ack <- struct{}{}
			}
		}()
	}

	next.ServeHTTP(sc, r)

	if sc.events != nil {
		close(sc.events)
		<-sc.drainDone
	}

	if provider == nil || !isLLMAPIEndpoint(r.URL.Path) {
		return
	}
	if sc.lastMetadata == nil {
		log.Printf("ℹ️  Streaming response for %s closed without usage information", provider.GetName())
		return
	}

	setMetadataHeaders(w, sc.lastMetadata)
	runCallbacks(r, provider, sc.lastMetadata, callbacks)
}

// bufferedCapture buffers the entire response body for later parsing; only
// used on the non-streaming path, where bodies are small JSON documents.
type bufferedCapture struct {
	http.ResponseWriter
	body *bytes.Buffer
}

func (c *bufferedCapture) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// streamCapture observes a streaming response one write at a time. It
// never buffers more than the current incomplete SSE line: lineBuf holds
// only the bytes since the last '\n'. When events is non-nil (an
// admission Charge is live for this request), every Write is relayed
// through that channel to the BindStream-wrapped goroutine that owns
// actually writing to the real ResponseWriter; Write blocks on ack until
// that write has happened, preserving the caller's ordering expectations.
type streamCapture struct {
	http.ResponseWriter
	provider     providers.Provider
	acc          providers.StreamAccumulator
	lineBuf      []byte
	lastMetadata *providers.LLMResponseMetadata

	events    chan admission.StreamEvent
	ack       chan struct{}
	drainDone chan struct{}
}

func (sc *streamCapture) Write(b []byte) (int, error) {
	var usage *admission.UsageReport

	if sc.provider != nil {
		if sc.acc == nil {
			sc.acc = sc.provider.NewStreamAccumulator()
		}
		sc.lineBuf = append(sc.lineBuf, b...)
		for {
			idx := bytes.IndexByte(sc.lineBuf, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string(sc.lineBuf[:idx]), "\r")
			sc.lineBuf = sc.lineBuf[idx+1:]

			if metadata, _ := sc.acc.Feed(line); metadata != nil {
				sc.lastMetadata = metadata
				usage = &admission.UsageReport{
					InputTokens:  nonNegative(metadata.InputTokens),
					OutputTokens: nonNegative(metadata.OutputTokens),
				}
			}
		}
	}

	if sc.events != nil {
		data := make([]byte, len(b))
		copy(data, b)
		sc.events <- admission.StreamEvent{Data: data, Usage: usage}
		<-sc.ack
		return len(b), nil
	}

	return sc.ResponseWriter.Write(b)
}

// GetProviderFromRequest resolves the target provider from the request's
// (possibly rewritten) path prefix. provider is nil for any path that
// doesn't match a registered provider's route.
func GetProviderFromRequest(pm *providers.ProviderManager, r *http.Request) providers.Provider {
	switch {
	case strings.HasPrefix(r.URL.Path, "/openai/"):
		return pm.GetProvider("openai")
	case strings.HasPrefix(r.URL.Path, "/anthropic/"):
		return pm.GetProvider("anthropic")
	case strings.HasPrefix(r.URL.Path, "/gemini/"):
		return pm.GetProvider("gemini")
	default:
		return nil
	}
}

// ExtractUserIDFromRequest extracts a user ID for cost tracking and
// rate limiting. provider is accepted for callers that already resolved
// it but is otherwise unused: the identity itself never depends on which
// provider is being called. Priority: a user ID already attached to the
// context by MetaURLRewritingMiddleware (the /meta/{userID}/ path form),
// then the X-User-ID header, then the llm_user_id query parameter, then
// the caller's bearer token (truncated for privacy), then IP address.
func ExtractUserIDFromRequest(req *http.Request, provider providers.Provider) string {
	if userID, ok := req.Context().Value(userIDContextKey).(string); ok && userID != "" {
		return userID
	}

	if userID := req.Header.Get("X-User-ID"); userID != "" {
		return userID
	}

	if userID := req.URL.Query().Get("llm_user_id"); userID != "" {
		return userID
	}

	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := auth[len("Bearer "):]
		if len(token) > 8 {
			return fmt.Sprintf("token:%s", token[:8])
		}
		return fmt.Sprintf("token:%s", token)
	}

	return fmt.Sprintf("ip:%s", ExtractIPAddressFromRequest(req))
}

// ExtractIPAddressFromRequest extracts IP address from request headers
func ExtractIPAddressFromRequest(req *http.Request) string {
	// Check for forwarded headers
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}

	if realIP := req.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return req.RemoteAddr
}
