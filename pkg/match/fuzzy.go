package match

import (
	"sort"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	DefaultCutoff     = 0.4
	DefaultMaxMatches = 20
)

// Candidate is one title to compare against, tagged with the id of what it names.
type Candidate struct {
	Title string
	ID    int64
}

// Result is a candidate that passed the cutoff.
type Result struct {
	ID    int64
	Title string
	Ratio float64
}

// Closest ranks candidates by similarity to query. Only candidates with a ratio of
// at least cutoff are kept, best first, equal ratios in candidate order, at most
// maxMatches of them. A cutoff outside [0,1] is clamped and a non-positive
// maxMatches falls back to DefaultMaxMatches.
func Closest(query string, candidates []Candidate, cutoff float64, maxMatches int) []Result {
	if len(candidates) == 0 {
		return nil
	}
	if cutoff < 0 {
		cutoff = 0
	} else if cutoff > 1 {
		cutoff = 1
	}
	if maxMatches <= 0 {
		maxMatches = DefaultMaxMatches
	}

	sm := newMatcher(query)
	var results []Result
	for _, c := range candidates {
		if c.Title == "" {
			continue
		}
		sm.SetSeq1(splitRunes(c.Title))
		if sm.RealQuickRatio() < cutoff || sm.QuickRatio() < cutoff {
			continue
		}
		if r := sm.Ratio(); r >= cutoff {
			results = append(results, Result{ID: c.ID, Title: c.Title, Ratio: r})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Ratio > results[j].Ratio })
	if len(results) > maxMatches {
		results = results[:maxMatches]
	}
	return results
}

// Ratio returns the Ratcliff/Obershelp similarity of a and b in [0,1].
func Ratio(a, b string) float64 {
	return difflib.NewMatcher(splitRunes(a), splitRunes(b)).Ratio()
}

// newMatcher indexes query once; candidates are swapped in with SetSeq1.
func newMatcher(query string) *difflib.SequenceMatcher {
	return difflib.NewMatcher(nil, splitRunes(query))
}

// splitRunes turns s into one element per rune so titles compare by character.
func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
