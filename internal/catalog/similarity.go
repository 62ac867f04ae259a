package catalog

import (
	"strings"
	"unicode"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Similarity scores two product names on a 0..1 scale. Identical names score 1.
type Similarity interface {
	Compare(a, b string) float64
}

// HybridSimilarity scores normalized names by Sorensen-Dice bigrams and token overlap.
// Names whose model tokens (tokens with a digit, like "k2" or "1000xm5") or variant
// qualifiers ("pro", "max", ...) differ are different products and stay below MismatchCap.
type HybridSimilarity struct {
	dice *metrics.SorensenDice
}

// MismatchCap bounds the score of names that disagree on a model token or variant.
const MismatchCap = 0.5

// variantWords distinguish siblings of one product line.
var variantWords = map[string]bool{
	"pro": true, "max": true, "plus": true, "mini": true, "ultra": true,
	"lite": true, "air": true, "se": true, "xl": true, "slim": true,
}

func NewHybridSimilarity() *HybridSimilarity {
	dice := metrics.NewSorensenDice()
	dice.CaseSensitive = false
	dice.NgramSize = 2
	return &HybridSimilarity{dice: dice}
}

func (h *HybridSimilarity) Compare(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ta, tb := splitTokens(na), splitTokens(nb)

	best := strutil.Similarity(na, nb, h.dice)
	if s := tokenOverlap(ta, tb); s > best {
		best = s
	}
	if !sameSet(modelTokens(ta), modelTokens(tb)) || !sameSet(variants(ta), variants(tb)) {
		best = min(best, MismatchCap)
	}
	return clamp(best)
}

// tokenOverlap is the Jaccard index of the token sets. When both names share a model
// token the shorter name may be a prefix of a listing title, so the share of its tokens
// found in the longer one is used instead.
func tokenOverlap(a, b []string) float64 {
	sa, sb := toSet(a), toSet(b)
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	small := min(len(sa), len(sb))
	if small >= 2 && len(modelTokens(a)) > 0 && sameSet(modelTokens(a), modelTokens(b)) {
		return float64(inter) / float64(small)
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

// splitTokens splits a normalized name. A one or two letter prefix split off a model
// number by punctuation is joined back, so "K-2" and "K2" agree.
func splitTokens(normalized string) []string {
	fields := strings.Fields(normalized)
	out := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		t := fields[i]
		if i+1 < len(fields) && len(t) <= 2 && !hasDigit(t) && hasDigit(fields[i+1]) {
			t += fields[i+1]
			i++
		}
		out = append(out, t)
	}
	return out
}

func modelTokens(tokens []string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range tokens {
		if hasDigit(t) {
			out[t] = true
		}
	}
	return out
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func variants(tokens []string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range tokens {
		if variantWords[t] {
			out[t] = true
		}
	}
	return out
}

func toSet(tokens []string) map[string]bool {
	out := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		out[t] = true
	}
	return out
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// Normalize strips accents, folds case and collapses punctuation to single spaces.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = cases.Fold().String(out)

	var b strings.Builder
	space := false
	for _, r := range out {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
