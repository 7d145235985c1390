package raid

import "strings"

// UsernameSimilarity is the Jaccard index of the distinct, lower-cased
// characters of a and b. It is 0 when either name is empty.
func UsernameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	s1 := charSet(a)
	s2 := charSet(b)
	intersection := 0
	for r := range s1 {
		if _, ok := s2[r]; ok {
			intersection++
		}
	}
	union := len(s1) + len(s2) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func charSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{}, len(s))
	for _, r := range strings.ToLower(s) {
		set[r] = struct{}{}
	}
	return set
}
