package match

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatio(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 1.0},
		{"abcd", "bcde", 0.75},
		{"foo bar", "foo baz", 12.0 / 14.0},
		{"abc", "xyz", 0},
		{"コミック快楽天", "コミック快楽天", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.want, Ratio(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRatioLongIdenticalStrings(t *testing.T) {
	// Popular runes are dropped from the index above 200 runes; identical inputs
	// must still score 1.
	s := strings.Repeat("ab", 125)
	assert.InDelta(t, 1.0, Ratio(s, s), 1e-9)
}

func TestQuickRatiosBoundRatio(t *testing.T) {
	pairs := [][2]string{
		{"Comic Kairakuten 2024-05", "COMIC Kairakuten 2024-06"},
		{"abcdefg", "gfedcba"},
		{"short", "a much longer title with words"},
	}
	for _, p := range pairs {
		sm := newMatcher(p[1])
		sm.SetSeq1(splitRunes(p[0]))
		r := sm.Ratio()
		assert.InDelta(t, Ratio(p[0], p[1]), r, 1e-12)
		assert.LessOrEqual(t, r, sm.QuickRatio()+1e-12)
		assert.LessOrEqual(t, sm.QuickRatio(), sm.RealQuickRatio()+1e-12)
	}
}

func TestClosest(t *testing.T) {
	t.Run("empty candidates", func(t *testing.T) {
		assert.Empty(t, Closest("", nil, DefaultCutoff, DefaultMaxMatches))
		assert.Empty(t, Closest("title", []Candidate{}, DefaultCutoff, DefaultMaxMatches))
	})

	candidates := []Candidate{
		{Title: "Foo Bar Baz", ID: 1},
		{Title: "Completely different", ID: 2},
		{Title: "Foo Bar", ID: 3},
		{Title: "", ID: 4},
		{Title: "Foo Bar", ID: 5},
		{Title: "Foo Baz", ID: 6},
	}

	t.Run("cutoff, ordering and cap", func(t *testing.T) {
		results := Closest("Foo Bar", candidates, 0.6, 3)
		require.Len(t, results, 3)
		for i, r := range results {
			assert.GreaterOrEqual(t, r.Ratio, 0.6)
			if i > 0 {
				assert.GreaterOrEqual(t, results[i-1].Ratio, r.Ratio)
			}
		}
		// Exact matches tie at 1.0 and keep candidate order.
		assert.Equal(t, int64(3), results[0].ID)
		assert.Equal(t, int64(5), results[1].ID)
	})

	t.Run("empty titles are skipped", func(t *testing.T) {
		for _, r := range Closest("", candidates, 0, 50) {
			assert.NotEqual(t, int64(4), r.ID)
		}
	})

	t.Run("invalid arguments are clamped", func(t *testing.T) {
		results := Closest("Foo Bar", candidates, 2, 0)
		require.Len(t, results, 2)
		assert.InDelta(t, 1.0, results[0].Ratio, 1e-9)

		results = Closest("Foo Bar", candidates, -1, -5)
		assert.Len(t, results, 5)
	})
}
