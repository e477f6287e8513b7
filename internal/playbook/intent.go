package playbook

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Classifier maps a user utterance to an intent label. An empty return
// means no intent matched with enough confidence.
type Classifier interface {
	Classify(text string) string
}

// FuzzyClassifier matches utterances against exemplar phrases per intent
// using Jaro-Winkler similarity. It is a lightweight default for playbooks
// that do not wire a model-backed classifier.
type FuzzyClassifier struct {
	threshold float64
	exemplars map[string][]string
	order     []string
}

// DefaultIntentThreshold is the minimum similarity a phrase must reach.
const DefaultIntentThreshold = 0.84

// NewFuzzyClassifier builds a classifier from intent → exemplar phrases.
// Intents are tried in the map's insertion order as given; threshold <= 0
// uses the default.
func NewFuzzyClassifier(exemplars map[string][]string, threshold float64) *FuzzyClassifier {
	if threshold <= 0 {
		threshold = DefaultIntentThreshold
	}
	c := &FuzzyClassifier{
		threshold: threshold,
		exemplars: make(map[string][]string, len(exemplars)),
	}
	for intent, phrases := range exemplars {
		c.order = append(c.order, intent)
		lowered := make([]string, len(phrases))
		for i, p := range phrases {
			lowered[i] = strings.ToLower(strings.TrimSpace(p))
		}
		c.exemplars[intent] = lowered
	}
	return c
}

// Classify returns the best-scoring intent at or above the threshold.
func (c *FuzzyClassifier) Classify(text string) string {
	input := strings.ToLower(strings.TrimSpace(text))
	if input == "" {
		return ""
	}
	inputTokens := strings.Fields(input)

	best := ""
	bestScore := c.threshold
	for _, intent := range c.order {
		for _, phrase := range c.exemplars[intent] {
			if score := similarity(inputTokens, input, phrase); score >= bestScore {
				best = intent
				bestScore = score
			}
		}
	}
	return best
}

// similarity scores an utterance against one exemplar phrase. The full
// strings are compared first; short utterances also get a best pairwise
// token comparison so "refund please" still matches "I want a refund".
func similarity(inputTokens []string, input, phrase string) float64 {
	score := matchr.JaroWinkler(input, phrase, false)
	for _, it := range inputTokens {
		for _, pt := range strings.Fields(phrase) {
			if s := matchr.JaroWinkler(it, pt, false); s > score {
				score = s
			}
		}
	}
	return score
}

var _ Classifier = (*FuzzyClassifier)(nil)
