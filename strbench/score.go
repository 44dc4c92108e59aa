package strbench

import (
	"regexp"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var outOfAlphanumeric = regexp.MustCompile(`[^0-9a-z]`)

var lower = cases.Lower(language.Und)

// FoldAlphanumeric lower-cases s and drops every rune outside [0-9a-z].
func FoldAlphanumeric(s string) string {
	return outOfAlphanumeric.ReplaceAllString(lower.String(s), "")
}

// Match reports whether pred equals gt. With filterAlphanumeric both sides are
// folded by FoldAlphanumeric first; sensitive alone compares the raw strings.
func Match(pred, gt string, sensitive, filterAlphanumeric bool) bool {
	if filterAlphanumeric {
		return FoldAlphanumeric(pred) == FoldAlphanumeric(gt)
	}
	if !sensitive {
		return lower.String(pred) == lower.String(gt)
	}
	return pred == gt
}

// EditDistance is the rune-level Levenshtein distance.
func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// NormalizedSimilarity follows the ICDAR2019 normalized edit distance: 1 - d/len(gt) when
// gt is longer than pred, 1 - d/len(pred) otherwise, and 0 if either string is empty.
func NormalizedSimilarity(pred, gt string) float64 {
	lp := utf8.RuneCountInString(pred)
	lg := utf8.RuneCountInString(gt)
	if lp == 0 || lg == 0 {
		return 0
	}
	d := float64(EditDistance(pred, gt))
	if lg > lp {
		return 1 - d/float64(lg)
	}
	return 1 - d/float64(lp)
}

// Confidence multiplies maxProbs[:eos]; eos < 0 uses the whole slice. An empty slice scores 0.
func Confidence(maxProbs []float64, eos int) float64 {
	if eos >= 0 && eos < len(maxProbs) {
		maxProbs = maxProbs[:eos]
	}
	if len(maxProbs) == 0 {
		return 0
	}
	score := 1.0
	for _, p := range maxProbs {
		score *= p
	}
	return clamp01(score)
}

// Scorer applies one case/filter policy to every comparison.
type Scorer struct {
	Sensitive          bool
	FilterAlphanumeric bool
}

// NewScorer derives the policy from the configuration. A case-sensitive model evaluated with
// data filtering off is scored case-insensitively on alphanumerics only.
func NewScorer(cfg Config) Scorer {
	return Scorer{
		Sensitive:          cfg.Sensitive,
		FilterAlphanumeric: cfg.Sensitive && cfg.DataFilteringOff,
	}
}

// Prepare returns the strings that are actually compared.
func (s Scorer) Prepare(pred, gt string) (string, string) {
	if s.FilterAlphanumeric {
		return FoldAlphanumeric(pred), FoldAlphanumeric(gt)
	}
	return pred, gt
}

// Score returns the exact-match flag and the normalized similarity of one prediction.
func (s Scorer) Score(pred, gt string) (bool, float64) {
	p, g := s.Prepare(pred, gt)
	return Match(p, g, s.Sensitive, false), NormalizedSimilarity(p, g)
}
