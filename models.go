package hydra

import "strings"

// Model tiers. The tier selects the output-token budget and, for automatic
// routing, the model family.
const (
	TierFlash    = "flash"
	TierChat     = "chat"
	TierThinking = "thinking"
)

// Default model roster. The registry is static; a watchdog refresh belongs to
// deployment plumbing, not the engine.
const (
	ModelFlash     = "gemini-2.5-flash"
	ModelFlashLite = "gemini-2.5-flash-lite"
	ModelPro       = "gemini-2.5-pro"
)

// DefaultModel is the global default when neither the caller nor the persona
// picks one.
const DefaultModel = ModelFlash

// CheapestModel is the fallback target when the primary stream yields no text.
const CheapestModel = ModelFlashLite

// ModelTier buckets a model name into flash, thinking, or chat.
func ModelTier(model string) string {
	switch {
	case strings.Contains(model, "flash"):
		return TierFlash
	case strings.Contains(model, "pro") || strings.Contains(model, "thinking"):
		return TierThinking
	default:
		return TierChat
	}
}

// MaxOutputTokensFor returns the tier token budget for model.
func MaxOutputTokensFor(model string) int {
	switch {
	case strings.Contains(model, "flash"):
		return 8192
	case strings.Contains(model, "pro"):
		return 65536
	default:
		return 32768
	}
}

// SupportsThinkingLevel reports whether the model family takes
// thinkingConfig.thinkingLevel directly (Gemini 3) rather than a budget.
func SupportsThinkingLevel(model string) bool {
	return strings.Contains(model, "gemini-3")
}

// ThinkingBudgetFor maps a thinking level to a 2.5-era token budget.
// Returns 0 for "none" or an unknown level, meaning omit thinkingConfig.
func ThinkingBudgetFor(level string) int {
	switch level {
	case "minimal":
		return 1024
	case "low":
		return 2048
	case "medium":
		return 4096
	case "high":
		return 8192
	default:
		return 0
	}
}

// PromptComplexity classifies a prompt as "simple", "medium", or "complex"
// by length. Used for auto-tier model routing.
func PromptComplexity(prompt string) string {
	switch n := len(prompt); {
	case n < 200:
		return "simple"
	case n < 1500:
		return "medium"
	default:
		return "complex"
	}
}

// AutoModelForComplexity routes a complexity class to a model.
func AutoModelForComplexity(complexity string) string {
	switch complexity {
	case "simple":
		return ModelFlash
	case "complex":
		return ModelPro
	default:
		return DefaultModel
	}
}
