package similarity

import "fmt"

// Metric scores the bodies of two fingerprints in [0, 1].
type Metric interface {
	Name() string
	Score(a, b Fingerprint) float64
}

// TokenRatio is the default metric: 2*M/T over the word tokens of the
// normalised text, where M is the size of the multiset intersection and T
// the total token count. Order is ignored, so the cost is linear in the
// body size.
type TokenRatio struct{}

// Name implements Metric.
func (TokenRatio) Name() string { return "tokens" }

// Score implements Metric.
func (TokenRatio) Score(a, b Fingerprint) float64 {
	total := len(a.Tokens) + len(b.Tokens)
	if total == 0 {
		return 1
	}
	if len(a.Tokens) == 0 || len(b.Tokens) == 0 {
		return 0
	}

	counts := make(map[string]int, len(a.Tokens))
	for _, t := range a.Tokens {
		counts[t]++
	}
	matches := 0
	for _, t := range b.Tokens {
		if counts[t] > 0 {
			counts[t]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(total)
}

// DOMCosine compares the structural DOM vectors.
type DOMCosine struct{}

// Name implements Metric.
func (DOMCosine) Name() string { return "dom" }

// Score implements Metric.
func (DOMCosine) Score(a, b Fingerprint) float64 {
	return CosineSimilarity(a.DOM, b.DOM)
}

// ParseMetric maps a configuration name to a Metric.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "", "tokens":
		return TokenRatio{}, nil
	case "dom":
		return DOMCosine{}, nil
	default:
		return nil, fmt.Errorf("unknown similarity metric %q", name)
	}
}

// Identical reports whether two fingerprints have the same status code and
// normalised body.
func Identical(a, b Fingerprint) bool {
	return a.StatusCode == b.StatusCode && a.Hash == b.Hash && a.Text == b.Text
}

// Compare returns the similarity score of a and b under m. Identical
// fingerprints score exactly 1. A status code mismatch halves the body score.
func Compare(m Metric, a, b Fingerprint) float64 {
	if Identical(a, b) {
		return 1
	}
	score := m.Score(a, b)
	if a.StatusCode != b.StatusCode {
		score /= 2
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
