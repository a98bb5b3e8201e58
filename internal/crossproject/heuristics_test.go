package crossproject

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity(a, []float32{0, 1, 0}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float32{-1, 0, 0}), 1e-6)

	// Scale invariance.
	assert.InDelta(t, 1.0, CosineSimilarity(a, []float32{5, 0, 0}), 1e-6)

	// Degenerate inputs score zero.
	assert.Zero(t, CosineSimilarity(a, []float32{0, 0, 0}))
	assert.Zero(t, CosineSimilarity(a, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestNegationPattern(t *testing.T) {
	for _, text := range []string{
		"we will not increase pricing",
		"never deploy on fridays",
		"she doesn't want notifications",
		"use tabs instead of spaces",
		"ship weekly rather than monthly",
		"We can't support that browser",
	} {
		assert.True(t, hasNegation(text), text)
	}
	for _, text := range []string{
		"we will increase pricing in Q1",
		"deploy on fridays",
		"a knot in the rope", // "not" must match as a whole word
	} {
		assert.False(t, hasNegation(text), text)
	}
}

func TestContradictionSignals(t *testing.T) {
	cfg := HeuristicConfig{}
	cfg.ApplyDefaults()

	// Negation split with high similarity: one signal.
	n := contradictionSignals(
		"we will increase pricing in Q1",
		"we will not increase pricing",
		0.9, cfg)
	assert.Equal(t, 1, n)

	// Same pair below the similarity gate: negation signal suppressed.
	n = contradictionSignals(
		"we will increase pricing in Q1",
		"we will not increase pricing",
		0.5, cfg)
	assert.Equal(t, 0, n)

	// Exclusive word pair split across the texts counts regardless of
	// similarity.
	n = contradictionSignals(
		"increase the budget next quarter",
		"decrease the budget next quarter",
		0.2, cfg)
	assert.Equal(t, 1, n)

	// Both negation and an exclusive pair stack.
	n = contradictionSignals(
		"start the rollout before the audit",
		"don't start it, stop the rollout after the audit",
		0.8, cfg)
	assert.GreaterOrEqual(t, n, 2)

	// Both sides negated is agreement, not contradiction.
	n = contradictionSignals(
		"we don't deploy on fridays",
		"we never deploy on fridays",
		0.95, cfg)
	assert.Equal(t, 0, n)
}

func TestConfidence(t *testing.T) {
	cfg := HeuristicConfig{}
	cfg.ApplyDefaults()

	assert.InDelta(t, 0.4, cfg.confidence(1), 1e-6)
	assert.InDelta(t, 0.8, cfg.confidence(2), 1e-6)
	assert.InDelta(t, 1.0, cfg.confidence(3), 1e-6, "confidence caps at 1")
	assert.InDelta(t, 1.0, cfg.confidence(10), 1e-6)
}

func TestClaimOf(t *testing.T) {
	assert.Equal(t, "Prices go up.", claimOf("Prices go up. More detail follows."))
	assert.Equal(t, "Really?", claimOf("  Really? Yes."))

	long := strings.Repeat("x", 150)
	assert.Len(t, claimOf(long), 100)

	assert.Equal(t, "no punctuation here", claimOf("no punctuation here"))
}

func TestClaimOfMultiByteContent(t *testing.T) {
	// Truncation counts characters, not bytes, and never splits a rune.
	long := strings.Repeat("日本語のメモ ", 30)
	claim := claimOf(long)
	assert.True(t, utf8.ValidString(claim))
	assert.Equal(t, 100, utf8.RuneCountInString(claim))

	sentence := "これは長い主張です。" + strings.Repeat("続き", 60)
	assert.Equal(t, "これは長い主張です。", claimOf(sentence))
}
