// Package budget provides token budget estimation and context clamping for
// research prompts. Because the pipeline supports multiple LLM backends with
// different tokenizers, this package uses a conservative character-based
// heuristic: 1 token ≈ 4 characters (English prose and code). This
// deliberately under-estimates token counts to leave headroom for
// model-specific overhead.
package budget

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English and code; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// Conservative enough to fit within 8k-context models (Llama 3 8B, GPT-3.5)
	// while leaving room for the output. Override via Config.MaxContextTokens.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// ClampContext shrinks the retrieved context so that fixed + context fits
// within maxTokens. fixed contains the messages that must survive intact
// (system prompt, research instruction); the retrieved context is the only
// part that may be cut, and it is cut from the tail since retrieval orders
// chunks most-relevant first.
//
// Returns the clamped context. If the fixed messages alone exceed the
// budget, the empty string is returned and the caller should warn.
func ClampContext(fixed []*schema.Message, contextText string, maxTokens int) string {
	if contextText == "" {
		return contextText
	}

	// Reserve the per-message overhead the context message itself will add.
	available := maxTokens - EstimateMessages(fixed) - 4 - Estimate(string(schema.User))
	if available <= 0 {
		return ""
	}
	if Estimate(contextText) <= available {
		return contextText
	}

	cut := available * charsPerToken
	if cut >= len(contextText) {
		return contextText
	}
	clamped := contextText[:cut]
	for len(clamped) > 0 && !utf8.ValidString(clamped) {
		clamped = clamped[:len(clamped)-1]
	}
	return clamped
}
