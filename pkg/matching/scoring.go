package matching

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// MaxFuzzyScore caps every fuzzy score below an exact identifier match.
const MaxFuzzyScore = 0.99

// phoneticBoost is added to a name score when the Metaphone codes agree.
const phoneticBoost = 0.05

// Scorer provides the string and value comparisons used by the matcher.
type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

// JaroWinkler returns the Jaro-Winkler similarity of a and b in [0, 1].
func (s *Scorer) JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}

	jaro := s.Jaro(a, b)

	ar, br := []rune(a), []rune(b)
	prefixLen := 0
	for i := 0; i < len(ar) && i < len(br) && i < 4; i++ {
		if ar[i] != br[i] {
			break
		}
		prefixLen++
	}

	return jaro + float64(prefixLen)*0.1*(1.0-jaro)
}

// Jaro returns the Jaro similarity of a and b in [0, 1].
func (s *Scorer) Jaro(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ar, br := []rune(a), []rune(b)
	if len(ar) == 0 || len(br) == 0 {
		return 0.0
	}

	matchDist := max(len(ar), len(br))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(ar))
	bMatches := make([]bool, len(br))

	matches := 0
	for i := range ar {
		start := max(0, i-matchDist)
		end := min(len(br), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || ar[i] != br[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range ar {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if ar[i] != br[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(ar)) + m/float64(len(br)) + (m-t)/m) / 3
}

// Metaphone returns a simplified Metaphone code for one word.
func (s *Scorer) Metaphone(str string) string {
	var letters strings.Builder
	for _, r := range strings.ToUpper(str) {
		if r >= 'A' && r <= 'Z' {
			letters.WriteRune(r)
		}
	}
	word := letters.String()
	if word == "" {
		return ""
	}

	var code strings.Builder
	prev := byte(0)
	for i := 0; i < len(word) && code.Len() < 6; i++ {
		c := metaphoneCode(word[i], i, word)
		if c != 0 && c != prev {
			code.WriteByte(c)
		}
		prev = c
	}
	return code.String()
}

func metaphoneCode(char byte, pos int, word string) byte {
	next := byte(0)
	if pos+1 < len(word) {
		next = word[pos+1]
	}
	switch char {
	case 'A', 'E', 'I', 'O', 'U':
		if pos == 0 {
			return char
		}
		return 0
	case 'C':
		if next == 'I' || next == 'E' || next == 'Y' {
			return 'S'
		}
		if next == 'H' {
			return 'X'
		}
		return 'K'
	case 'D':
		return 'T'
	case 'G':
		if next == 'I' || next == 'E' || next == 'Y' {
			return 'J'
		}
		return 'K'
	case 'H', 'W', 'Y':
		return 0
	case 'P':
		if next == 'H' {
			return 'F'
		}
		return 'P'
	case 'Q':
		return 'K'
	case 'V':
		return 'F'
	case 'X', 'Z':
		return 'S'
	case 'B', 'F', 'J', 'K', 'L', 'M', 'N', 'R', 'S', 'T':
		return char
	}
	return 0
}

// PhoneticKey is the Metaphone code of every token, space separated.
func (s *Scorer) PhoneticKey(tokens []string) string {
	codes := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if c := s.Metaphone(tok); c != "" {
			codes = append(codes, c)
		}
	}
	return strings.Join(codes, " ")
}

// NameSimilarity compares two names after normalization. Token order is
// ignored and agreeing phonetic codes add a small boost. The result is capped
// at MaxFuzzyScore.
func (s *Scorer) NameSimilarity(a, b string) float64 {
	na, nb := normalizers.NormalizeName(a), normalizers.NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	ta, tb := strings.Fields(na), strings.Fields(nb)

	score := math.Max(s.JaroWinkler(na, nb), s.JaroWinkler(sortedJoin(ta), sortedJoin(tb)))
	if score < 1 && s.PhoneticKey(sortedTokens(ta)) == s.PhoneticKey(sortedTokens(tb)) {
		score += phoneticBoost
	}
	return math.Min(score, MaxFuzzyScore)
}

// AddressSimilarity compares two addresses after normalization. Differing
// house numbers cap the score at 0.5.
func (s *Scorer) AddressSimilarity(a, b string) float64 {
	na, nb := normalizers.NormalizeAddress(a), normalizers.NormalizeAddress(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	score := s.JaroWinkler(na, nb)
	if ha, hb := houseNumber(na), houseNumber(nb); ha != "" && hb != "" && ha != hb {
		score = math.Min(score, 0.5)
	}
	return score
}

func houseNumber(addr string) string {
	first, _, _ := strings.Cut(addr, " ")
	if first != "" && strings.IndexFunc(first, unicode.IsDigit) == 0 {
		return first
	}
	return ""
}

// NumericProximity returns 1.0 for equal values, decaying linearly to 0.0 at
// maxDiff.
func (s *Scorer) NumericProximity(a, b, maxDiff float64) float64 {
	if a == b {
		return 1.0
	}
	diff := math.Abs(a - b)
	if maxDiff <= 0 || diff >= maxDiff {
		return 0.0
	}
	return 1.0 - (diff / maxDiff)
}

// WeightedScore averages scores by weight. Fields without a weight count once.
func (s *Scorer) WeightedScore(scores map[string]float64, weights map[string]float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}

	var totalWeight, weightedSum float64
	for field, score := range scores {
		weight := 1.0
		if w, ok := weights[field]; ok {
			weight = w
		}
		weightedSum += score * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0.0
	}
	return weightedSum / totalWeight
}

func sortedTokens(tokens []string) []string {
	out := append([]string(nil), tokens...)
	sort.Strings(out)
	return out
}

func sortedJoin(tokens []string) string {
	return strings.Join(sortedTokens(tokens), " ")
}
