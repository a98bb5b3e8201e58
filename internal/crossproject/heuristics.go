package crossproject

import (
	"math"
	"regexp"
	"strings"

	"github.com/viterin/vek/vek32"
)

// HeuristicConfig carries the tunable thresholds of the discovery
// heuristics. The defaults are the calibrated production values; change
// them only with evaluation data in hand.
type HeuristicConfig struct {
	// MinRelevance drops same-project query hits at or below this score.
	MinRelevance float32 `koanf:"min_relevance"`
	// CrossProjectFloor is the stricter floor when surfacing memories
	// from other projects.
	CrossProjectFloor float32 `koanf:"cross_project_floor"`
	// NegationSimilarity gates the negation signal: a negated/plain pair
	// counts only when the texts are this similar (same subject,
	// opposite polarity).
	NegationSimilarity float32 `koanf:"negation_similarity"`
	// CrossRefThreshold is the minimum similarity for any cross-reference.
	CrossRefThreshold float32 `koanf:"crossref_threshold"`
	// SupportsThreshold upgrades a cross-reference to "supports".
	SupportsThreshold float32 `koanf:"supports_threshold"`
	// ConfidenceStep converts the contradiction signal counter into a
	// confidence score, capped at 1.
	ConfidenceStep float32 `koanf:"confidence_step"`
}

// ApplyDefaults fills zero thresholds with the calibrated values.
func (c *HeuristicConfig) ApplyDefaults() {
	if c.MinRelevance == 0 {
		c.MinRelevance = 0.5
	}
	if c.CrossProjectFloor == 0 {
		c.CrossProjectFloor = 0.6
	}
	if c.NegationSimilarity == 0 {
		c.NegationSimilarity = 0.7
	}
	if c.CrossRefThreshold == 0 {
		c.CrossRefThreshold = 0.75
	}
	if c.SupportsThreshold == 0 {
		c.SupportsThreshold = 0.9
	}
	if c.ConfidenceStep == 0 {
		c.ConfidenceStep = 0.4
	}
}

// negationPattern marks a text as asserting the negative form of a claim.
var negationPattern = regexp.MustCompile(`(?i)\b(not|never|don't|doesn't|won't|can't|shouldn't)\b|instead of|rather than`)

// exclusivePairs are word pairs that cannot both be true of the same
// subject. A pair split across two texts is a contradiction signal.
var exclusivePairs = [][2]string{
	{"increase", "decrease"},
	{"before", "after"},
	{"yes", "no"},
	{"accept", "reject"},
	{"approve", "deny"},
	{"start", "stop"},
	{"begin", "end"},
	{"more", "less"},
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	dot := vek32.Dot(a, b)
	na := math.Sqrt(float64(vek32.Dot(a, a)))
	nb := math.Sqrt(float64(vek32.Dot(b, b)))
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(float64(dot) / (na * nb))
}

// hasNegation reports whether text matches a negation form.
func hasNegation(text string) bool {
	return negationPattern.MatchString(text)
}

// hasWord reports whether text contains word as a whole token.
func hasWord(text, word string) bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	})
	for _, f := range fields {
		if f == word {
			return true
		}
	}
	return false
}

// contradictionSignals counts contradiction evidence between two texts
// already known to share a topic and a similarity score:
//
//	+1 when exactly one side is negated and the texts are similar enough
//	   to be about the same subject;
//	+1 per mutually-exclusive word pair split across the two texts.
func contradictionSignals(textA, textB string, similarity float32, cfg HeuristicConfig) int {
	counter := 0
	if hasNegation(textA) != hasNegation(textB) && similarity > cfg.NegationSimilarity {
		counter++
	}
	for _, pair := range exclusivePairs {
		if (hasWord(textA, pair[0]) && hasWord(textB, pair[1])) ||
			(hasWord(textA, pair[1]) && hasWord(textB, pair[0])) {
			counter++
		}
	}
	return counter
}

// confidence converts a signal counter into a bounded score.
func (c HeuristicConfig) confidence(counter int) float32 {
	score := float32(counter) * c.ConfidenceStep
	if score > 1 {
		return 1
	}
	return score
}

// claimOf extracts a short human-readable claim from memory content: the
// first sentence, or the first 100 characters when no sentence boundary
// shows up early enough.
func claimOf(content string) string {
	runes := []rune(strings.TrimSpace(content))
	for i, r := range runes {
		if i >= 100 {
			break
		}
		if r == '.' || r == '!' || r == '?' {
			return string(runes[:i+1])
		}
	}
	// Cut on a rune boundary, never mid-character.
	if len(runes) > 100 {
		return string(runes[:100])
	}
	return string(runes)
}
