package budget

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func Test_Estimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},        // < 4 chars → 1
		{"abcd", 1},     // exactly 4 chars → 1
		{"abcde", 1},    // 5 chars → 1
		{"abcdefgh", 2}, // 8 chars → 2
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		got := Estimate(tc.input)
		if got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func Test_EstimateMessages(t *testing.T) {
	t.Parallel()
	msgs := []*schema.Message{
		schema.UserMessage("hello world"), // 4 overhead + 1 (role) + 2 (content) = 7
		schema.UserMessage("hello world"),
	}
	got := EstimateMessages(msgs)
	// Each message: 4 overhead + Estimate("user")=1 + Estimate("hello world")=2 = 7
	// Two messages: 14
	if got != 14 {
		t.Errorf("EstimateMessages = %d, want 14", got)
	}
}

func Test_ClampContext_NoClampNeeded(t *testing.T) {
	t.Parallel()
	fixed := []*schema.Message{schema.SystemMessage("sys")}
	ctx := "[Source: doc-a]\nshort context"
	got := ClampContext(fixed, ctx, DefaultMaxContextTokens)
	if got != ctx {
		t.Errorf("want context unchanged, got %q", got)
	}
}

func Test_ClampContext_CutsFromTail(t *testing.T) {
	t.Parallel()
	fixed := []*schema.Message{schema.SystemMessage("sys")}
	// fixed costs 4 + 1 (role) + 1 (content) = 6 tokens; the context message
	// adds 4 + 1 overhead. Budget 61 leaves 50 tokens = 200 chars of context.
	ctx := strings.Repeat("abcd", 100) // 400 chars, 100 tokens
	got := ClampContext(fixed, ctx, 61)
	if len(got) != 200 {
		t.Errorf("want 200 chars after clamp, got %d", len(got))
	}
	if !strings.HasPrefix(ctx, got) {
		t.Error("clamp must keep the head of the context")
	}
}

func Test_ClampContext_EmptyContext(t *testing.T) {
	t.Parallel()
	fixed := []*schema.Message{schema.SystemMessage("sys")}
	if got := ClampContext(fixed, "", DefaultMaxContextTokens); got != "" {
		t.Errorf("want empty, got %q", got)
	}
}

func Test_ClampContext_FixedExceedsBudget(t *testing.T) {
	t.Parallel()
	// Fixed alone exceeds the budget, so no context survives.
	fixed := []*schema.Message{
		schema.SystemMessage(strings.Repeat("x", 4*7000)), // ~7000 tokens
	}
	got := ClampContext(fixed, "retrieved context", 6000)
	if got != "" {
		t.Errorf("want all context dropped, got %q", got)
	}
}

func Test_ClampContext_RuneSafety(t *testing.T) {
	t.Parallel()
	// A multibyte rune straddling the cut must not be split. The cut lands
	// on a multiple of 4 bytes, which cannot align with 3-byte runes.
	ctx := strings.Repeat("日", 400)
	got := ClampContext(nil, ctx, 30)
	if got == "" {
		t.Fatal("want partial context, got empty")
	}
	if len(got)%3 != 0 {
		t.Errorf("clamped length %d splits a 3-byte rune", len(got))
	}
}
