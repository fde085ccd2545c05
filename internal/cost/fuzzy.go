package cost

import (
	"fmt"

	"github.com/hbollon/go-edlib"
)

// fuzzyMatchThreshold is the minimum normalized similarity (0..1) a
// configured model name must have with the requested model before it is
// accepted as a fuzzy match. Below this, pricing lookup fails rather than
// silently billing against an unrelated model.
const fuzzyMatchThreshold = 0.5

// GetPricingForModelWithFuzzyMatch behaves like GetPricingForModel, but
// when no exact model is configured it falls back to the closest
// configured model name for the provider (by Levenshtein similarity).
// It returns the pricing, the model name actually matched, and whether
// that match was a fuzzy (estimated) one rather than exact.
func (ct *CostTracker) GetPricingForModelWithFuzzyMatch(provider, model string, inputTokens int) (*PricingTier, string, bool, error) {
	providerPricing, exists := ct.pricingConfig[provider]
	if !exists {
		return nil, "", false, fmt.Errorf("no pricing configured for provider %s", provider)
	}

	if pricing, err := ct.GetPricingForModel(provider, model, inputTokens); err == nil {
		return pricing, model, false, nil
	}

	candidates := make([]string, 0, len(providerPricing))
	for name := range providerPricing {
		candidates = append(candidates, name)
	}

	match, err := edlib.FuzzySearchThreshold(model, candidates, fuzzyMatchThreshold, edlib.Levenshtein)
	if err != nil || match == "" {
		return nil, "", false, fmt.Errorf("no close match found for model %q on provider %s", model, provider)
	}

	pricing, err := ct.GetPricingForModel(provider, match, inputTokens)
	if err != nil {
		return nil, "", false, err
	}
	ct.logger.Debug("💰 Cost Tracker: fuzzy-matched model pricing", "provider", provider, "requested", model, "matched", match)
	return pricing, match, true, nil
}

// CalculateCostWithFuzzyMatch is CalculateCost with the same fuzzy
// fallback as GetPricingForModelWithFuzzyMatch, additionally returning
// the matched model name and whether it was an estimate.
func (ct *CostTracker) CalculateCostWithFuzzyMatch(provider, model string, inputTokens, outputTokens int) (inputCost, outputCost, totalCost float64, matchedModel string, isEstimate bool, err error) {
	pricing, matchedModel, isEstimate, err := ct.GetPricingForModelWithFuzzyMatch(provider, model, inputTokens)
	if err != nil {
		return 0, 0, 0, "", false, err
	}

	inputCost = (float64(inputTokens) / 1_000_000.0) * pricing.Input
	outputCost = (float64(outputTokens) / 1_000_000.0) * pricing.Output
	totalCost = inputCost + outputCost
	return inputCost, outputCost, totalCost, matchedModel, isEstimate, nil
}
