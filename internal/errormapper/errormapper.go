// Package errormapper renders core admission, rate-limit, and
// pass-through provider errors into the wire shapes the OpenAI-compatible
// surface promises callers.
package errormapper

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hbollon/go-edlib"

	"github.com/tokenrelay/llm-gateway/internal/identity"
	"github.com/tokenrelay/llm-gateway/internal/ratelimit"
)

// modelSuggestThreshold is the minimum normalized Levenshtein similarity
// (0..1) a known model name must have with the requested one before
// SuggestModelName will offer it, mirroring internal/cost's fuzzy pricing
// match threshold.
const modelSuggestThreshold = 0.5

// SuggestModelName finds the closest name in known to requested by
// Levenshtein similarity, for use in a model_not_found error body. It
// returns ok=false if requested or known is empty, or nothing clears the
// threshold.
func SuggestModelName(requested string, known []string) (suggestion string, ok bool) {
	if requested == "" || len(known) == 0 {
		return "", false
	}
	match, err := edlib.FuzzySearchThreshold(requested, known, modelSuggestThreshold, edlib.Levenshtein)
	if err != nil || match == "" {
		return "", false
	}
	return match, true
}

// AdmissionErrorBody is the shape used for identity failures: HTTP 400
// with a flat {error, error_description} object.
type AdmissionErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RateLimitErrorBody mirrors the OpenAI chat-completion error envelope,
// used for HTTP 429 responses.
type RateLimitErrorBody struct {
	Error RateLimitErrorDetail `json:"error"`
}

// RateLimitErrorDetail is the nested error object of RateLimitErrorBody.
type RateLimitErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ProviderErrorBody is the same nested envelope shape used for pass-through
// provider failures, keyed by the core's named error type rather than
// "rate_limit_error".
type ProviderErrorBody struct {
	Error ProviderErrorDetail `json:"error"`
}

// ProviderErrorDetail is the nested error object of ProviderErrorBody.
type ProviderErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// WriteMissingClientID renders *identity.MissingClientIDError as HTTP 400.
func WriteMissingClientID(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, AdmissionErrorBody{
		Error:            "missing_client_id",
		ErrorDescription: "Client identification is required",
	})
}

// WriteInvalidGroup renders *identity.InvalidGroupError as HTTP 400.
func WriteInvalidGroup(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, AdmissionErrorBody{
		Error:            "invalid_group",
		ErrorDescription: "The specified group is not valid",
	})
}

// WriteRateLimited renders a *ratelimit.RateLimitedError as HTTP 429 in the
// OpenAI-compatible error shape, setting Retry-After from the bucket's
// computed retry_after.
func WriteRateLimited(w http.ResponseWriter, err *ratelimit.RateLimitedError) {
	if err != nil && err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(err.RetryAfter.Seconds())))
	}
	writeJSON(w, http.StatusTooManyRequests, RateLimitErrorBody{
		Error: RateLimitErrorDetail{
			Message: "Rate limit exceeded: Token rate limit exceeded. Please try again later.",
			Type:    "rate_limit_error",
			Code:    http.StatusTooManyRequests,
		},
	})
}

// WriteAdmissionError dispatches on the core admission error returned by
// Admission.Admit, rendering the matching wire shape. It reports whether
// err was a recognized admission error (true) so callers can fall back
// to a 500 for anything else (an InternalError, per §7).
func WriteAdmissionError(w http.ResponseWriter, err error) bool {
	switch e := err.(type) {
	case *identity.MissingClientIDError:
		WriteMissingClientID(w)
		return true
	case *identity.InvalidGroupError:
		WriteInvalidGroup(w)
		return true
	case *ratelimit.RateLimitedError:
		WriteRateLimited(w, e)
		return true
	}
	return false
}

// providerErrorType maps an upstream HTTP status to the wire error "type"
// string, following the provider adapters' status.as_u16()-style dispatch
// (401/403/404/400/500 named explicitly, anything else, 429 included,
// falls through to provider_api_error with the numeric status preserved).
func providerErrorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_failed"
	case http.StatusForbidden:
		return "insufficient_quota"
	case http.StatusNotFound:
		return "model_not_found"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return "provider_api_error"
	}
}

// WriteProviderError renders a pass-through provider failure. message is
// the upstream error text (or a generic description if the provider gave
// none); status is the upstream HTTP status code, which is preserved both
// as the response status and as the body's numeric "code" field.
func WriteProviderError(w http.ResponseWriter, status int, message string) {
	WriteProviderErrorWithModel(w, status, message, "", nil)
}

// WriteProviderErrorWithModel is WriteProviderError with two additions
// used for the model_not_found case: requestedModel (the model the
// caller asked for) and knownModels (the provider's configured model
// names). When status is 404 and SuggestModelName finds a close match,
// the suggestion is appended to the error message so the caller sees
// "did you mean ...?" instead of a bare not-found.
func WriteProviderErrorWithModel(w http.ResponseWriter, status int, message, requestedModel string, knownModels []string) {
	if message == "" {
		message = http.StatusText(status)
	}
	if status == http.StatusNotFound {
		if suggestion, ok := SuggestModelName(requestedModel, knownModels); ok {
			message = fmt.Sprintf("%s Did you mean %q?", message, suggestion)
		}
	}
	writeJSON(w, status, ProviderErrorBody{
		Error: ProviderErrorDetail{
			Message: message,
			Type:    providerErrorType(status),
			Code:    status,
		},
	})
}

// WriteInternalError renders an InternalError (§7): a 500 that never
// leaks internal detail to the client.
func WriteInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, ProviderErrorBody{
		Error: ProviderErrorDetail{
			Message: "An internal error occurred. Please try again later.",
			Type:    "internal_error",
			Code:    http.StatusInternalServerError,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
