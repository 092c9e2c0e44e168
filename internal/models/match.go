package models

import (
	"strings"
)

// MatchThreshold is the minimum score for a workload to be bound to a route.
// The signal weights below were tuned by hand against real cluster naming.
const MatchThreshold = 0.5

const (
	weightSubstringBase  = 0.6
	weightSubstringRatio = 0.3
	weightSegments       = 0.7
	weightPrefix         = 0.5
)

// segments that carry no identity, commonly appended by controllers and charts
var noiseSegments = map[string]struct{}{
	"route":     {},
	"httproute": {},
	"llm":       {},
	"isvc":      {},
	"inference": {},
	"service":   {},
	"svc":       {},
	"predictor": {},
	"kserve":    {},
	"model":     {},
	"gateway":   {},
}

// Normalize lowercases name and strips noise segments.
// When only noise remains the lowercased name is returned unchanged.
func Normalize(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var kept []string
	for _, seg := range splitSegments(lower) {
		if _, noise := noiseSegments[seg]; !noise {
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return lower
	}
	return strings.Join(kept, "-")
}

// Similarity scores two resource names in [0,1]. The best of four signals wins:
// exact match, substring containment, shared segments and shared prefix.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	var score float64

	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if strings.Contains(long, short) {
		score = weightSubstringBase + weightSubstringRatio*float64(len(short))/float64(len(long))
	}

	score = max(score, weightSegments*jaccard(splitSegments(a), splitSegments(b)))
	score = max(score, weightPrefix*float64(commonPrefix(a, b))/float64(len(long)))

	return score
}

func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
}

func jaccard(a, b []string) float64 {
	set := make(map[string]int, len(a)+len(b))
	for _, s := range a {
		set[s] |= 1
	}
	for _, s := range b {
		set[s] |= 2
	}
	if len(set) == 0 {
		return 0
	}

	shared := 0
	for _, bits := range set {
		if bits == 3 {
			shared++
		}
	}
	return float64(shared) / float64(len(set))
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
