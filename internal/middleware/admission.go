package middleware

import (
	"net/http"

	"github.com/tokenrelay/llm-gateway/internal/admission"
	"github.com/tokenrelay/llm-gateway/internal/errormapper"
	"github.com/tokenrelay/llm-gateway/internal/providers"
	"github.com/tokenrelay/llm-gateway/internal/tokencount"
)

// AdmissionMiddleware extracts the caller's identity, estimates the
// request's input tokens, and pre-charges the applicable rate-limit
// buckets before the request reaches a provider. It attaches the
// resulting Charge to the request context so TokenParsingMiddleware's
// metadata callback can reconcile it once real usage is known; if that
// never happens (no metadata, or an error response), this middleware
// settles the Charge itself once the downstream handler returns.
func AdmissionMiddleware(pm *providers.ProviderManager, adm *admission.Admission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adm == nil {
				next.ServeHTTP(w, r)
				return
			}
			prov := GetProviderFromRequest(pm, r)
			if prov == nil {
				next.ServeHTTP(w, r)
				return
			}

			id, err := adm.Extractor.Extract(r)
			if err != nil {
				if !errormapper.WriteAdmissionError(w, err) {
					errormapper.WriteInternalError(w)
				}
				return
			}

			estTokens, model := tokencount.EstimateRequest(r)
			stream := pm.IsStreamingRequest(r)

			charge, err := adm.EstimateAndAdmit(r.Context(), id, prov.GetName(), estTokens, model, stream)
			if err != nil {
				if !errormapper.WriteAdmissionError(w, err) {
					errormapper.WriteInternalError(w)
				}
				return
			}

			r = r.WithContext(admission.WithCharge(r.Context(), charge))
			sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			if charge.Settled() {
				return
			}
			// Nothing downstream reconciled the charge: a provider call
			// that failed before any bytes were produced is refunded in
			// full; anything else settles with the estimate standing, per
			// the spec's guarded-release fallback.
			if sw.status >= 500 || sw.status == 0 {
				_ = charge.RefundAll(r.Context())
				return
			}
			charge.EnsureSettled(r.Context())
		})
	}
}

// ReconcileChargeCallback is a MetadataCallback (see TokenParsingMiddleware)
// that reconciles the request's Charge, if any, against the real usage a
// provider reported. It covers both the non-streaming and streaming
// cases: TokenParsingMiddleware invokes callbacks with the final parsed
// metadata in either case. A nil metadata (provider reported nothing
// parsable) settles the charge with the estimate standing rather than
// leaving it to AdmissionMiddleware's cruder status-code fallback.
func ReconcileChargeCallback(r *http.Request, metadata *providers.LLMResponseMetadata) {
	charge, ok := admission.FromContext(r.Context())
	if !ok || charge == nil || charge.Settled() {
		return
	}
	if metadata == nil {
		charge.EnsureSettled(r.Context())
		return
	}
	usage := admission.UsageReport{
		InputTokens:  nonNegative(metadata.InputTokens),
		OutputTokens: nonNegative(metadata.OutputTokens),
	}
	_ = charge.ReconcileSync(r.Context(), usage)
}

func nonNegative(v int) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// statusCapturingWriter records the status code written to an
// http.ResponseWriter so AdmissionMiddleware can tell a provider error
// from a clean response after next.ServeHTTP returns.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Write implicitly triggers a 200 if WriteHeader was never called,
// matching net/http's own default so status stays accurate.
func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
