package match

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Expr is one compiled constraint of a wanted gallery. Absent constraints are never
// compiled, so every Expr in a Filter is active.
type Expr interface {
	Eval(g *models.Gallery) bool
	String() string
}

// TitleExpr matches title or title_jpn either as a words-as-wildcard LIKE pattern
// or as a regular expression. With Negate set it holds when neither field matches.
type TitleExpr struct {
	Like   string
	Regexp *regexp.Regexp
	Negate bool
}

func (e TitleExpr) Eval(g *models.Gallery) bool {
	matched := e.matchField(g.Title) || e.matchField(g.TitleJpn)
	if e.Negate {
		return !matched
	}
	return matched
}

func (e TitleExpr) matchField(s string) bool {
	if e.Regexp != nil {
		return e.Regexp.MatchString(s)
	}
	return s != "" && LikeMatch(e.Like, s)
}

func (e TitleExpr) String() string {
	op := "like"
	pattern := e.Like
	if e.Regexp != nil {
		op = "regex"
		pattern = e.Regexp.String()
	}
	if e.Negate {
		return fmt.Sprintf("title not %s %q", op, pattern)
	}
	return fmt.Sprintf("title %s %q", op, pattern)
}

// CategoryExpr is a case-insensitive category equality.
type CategoryExpr struct{ Name string }

func (e CategoryExpr) Eval(g *models.Gallery) bool { return strings.EqualFold(g.Category, e.Name) }
func (e CategoryExpr) String() string               { return fmt.Sprintf("category = %q", e.Name) }

// CategoriesExpr requires the gallery category to be one of Names.
type CategoriesExpr struct{ Names []string }

func (e CategoriesExpr) Eval(g *models.Gallery) bool {
	for _, n := range e.Names {
		if g.Category == n {
			return true
		}
	}
	return false
}

func (e CategoriesExpr) String() string { return fmt.Sprintf("category in %v", e.Names) }

// ProviderExpr is a case-insensitive provider equality.
type ProviderExpr struct{ Name string }

func (e ProviderExpr) Eval(g *models.Gallery) bool { return strings.EqualFold(g.Provider, e.Name) }
func (e ProviderExpr) String() string               { return fmt.Sprintf("provider = %q", e.Name) }

// ProviderSetExpr requires (or, with Exclude, forbids) provider membership by slug.
type ProviderSetExpr struct {
	Slugs   []string
	Exclude bool
}

func (e ProviderSetExpr) Eval(g *models.Gallery) bool {
	in := false
	for _, s := range e.Slugs {
		if g.Provider == s {
			in = true
			break
		}
	}
	return in != e.Exclude
}

func (e ProviderSetExpr) String() string {
	if e.Exclude {
		return fmt.Sprintf("provider not in %v", e.Slugs)
	}
	return fmt.Sprintf("provider in %v", e.Slugs)
}

// PageCountExpr bounds filecount exclusively. A zero bound is open.
type PageCountExpr struct{ Lower, Upper int }

func (e PageCountExpr) Eval(g *models.Gallery) bool {
	if e.Lower > 0 && g.Filecount <= e.Lower {
		return false
	}
	if e.Upper > 0 && g.Filecount >= e.Upper {
		return false
	}
	return true
}

func (e PageCountExpr) String() string {
	return fmt.Sprintf("%d < filecount < %d", e.Lower, e.Upper)
}

// PostedBeforeExpr holds for galleries with no posted date or posted at or before Cutoff.
type PostedBeforeExpr struct{ Cutoff time.Time }

func (e PostedBeforeExpr) Eval(g *models.Gallery) bool {
	return g.Posted == nil || !g.Posted.After(e.Cutoff)
}

func (e PostedBeforeExpr) String() string {
	return "posted <= " + e.Cutoff.Format(time.RFC3339)
}

// WantedTagsExpr requires every wanted tag on the gallery. With Exclusive set, a
// scope that holds a matched tag may hold only one gallery tag (only ScopeName
// is counted when it is set). A failure is forgiven when AcceptIfNoneScope is set,
// every missing tag lies in that scope, and the gallery has no tag in it.
type WantedTagsExpr struct {
	Tags              []models.Tag
	Exclusive         bool
	ScopeName         string
	AcceptIfNoneScope string
}

func (e WantedTagsExpr) Eval(g *models.Gallery) bool {
	galleryTags := models.TagStrings(g.Tags)
	have := make(map[string]bool, len(galleryTags))
	for _, t := range galleryTags {
		have[t] = true
	}

	var missing, matched []string
	for _, t := range e.Tags {
		s := t.String()
		if have[s] {
			matched = append(matched, s)
		} else {
			missing = append(missing, s)
		}
	}

	accepted := len(missing) == 0
	if accepted && e.Exclusive {
		accepted = e.scopesExclusive(galleryTags, matched)
	}
	if !accepted && e.AcceptIfNoneScope != "" {
		prefix := e.AcceptIfNoneScope + ":"
		accepted = allHavePrefix(missing, prefix) && !anyHasPrefix(galleryTags, prefix)
	}
	return accepted
}

func (e WantedTagsExpr) scopesExclusive(galleryTags, matched []string) bool {
	matchedScopes := make(map[string]bool, len(matched))
	for _, t := range matched {
		if len(t) > 1 {
			matchedScopes[scopeOf(t)] = true
		}
	}
	counts := make(map[string]int)
	for _, t := range galleryTags {
		if len(t) <= 1 {
			continue
		}
		scope := scopeOf(t)
		if !matchedScopes[scope] {
			continue
		}
		if e.ScopeName != "" && e.ScopeName != scope {
			continue
		}
		counts[scope]++
		if counts[scope] > 1 {
			return false
		}
	}
	return true
}

func (e WantedTagsExpr) String() string {
	s := fmt.Sprintf("tags include %v", models.TagStrings(e.Tags))
	if e.Exclusive {
		s += " (exclusive"
		if e.ScopeName != "" {
			s += " in " + e.ScopeName
		}
		s += ")"
	}
	return s
}

// UnwantedTagsExpr rejects galleries carrying any of Tags.
type UnwantedTagsExpr struct{ Tags []models.Tag }

func (e UnwantedTagsExpr) Eval(g *models.Gallery) bool {
	unwanted := make(map[models.Tag]bool, len(e.Tags))
	for _, t := range e.Tags {
		unwanted[t] = true
	}
	for _, t := range g.Tags {
		if unwanted[t] {
			return false
		}
	}
	return true
}

func (e UnwantedTagsExpr) String() string {
	return fmt.Sprintf("tags exclude %v", models.TagStrings(e.Tags))
}

// AllExpr is the conjunction of its children. An empty AllExpr accepts everything.
type AllExpr []Expr

func (e AllExpr) Eval(g *models.Gallery) bool {
	for _, child := range e {
		if !child.Eval(g) {
			return false
		}
	}
	return true
}

func (e AllExpr) String() string {
	parts := make([]string, 0, len(e))
	for _, child := range e {
		parts = append(parts, child.String())
	}
	return strings.Join(parts, " AND ")
}

// Filter is the compiled acceptance predicate of one wanted gallery.
type Filter struct {
	WantedID int64
	Expr     AllExpr
}

// Accepts reports whether g satisfies every constraint.
func (f *Filter) Accepts(g *models.Gallery) bool {
	return f.Expr.Eval(g)
}

// Compile builds the acceptance predicate of w. now anchors wait_for_time. Returns
// an error wrapping utils.ErrInvalidPattern when a regex title does not compile.
func Compile(w *models.WantedGallery, now time.Time) (*Filter, error) {
	f := &Filter{WantedID: w.ID}

	if w.SearchTitle != "" {
		expr, err := titleExpr(w.SearchTitle, w.RegexpSearchTitle, w.RegexpSearchTitleIcase, false)
		if err != nil {
			return nil, fmt.Errorf("search_title of wanted %d: %w", w.ID, err)
		}
		f.Expr = append(f.Expr, expr)
	}
	if w.UnwantedTitle != "" {
		expr, err := titleExpr(w.UnwantedTitle, w.RegexpUnwantedTitle, w.RegexpUnwantedTitleIcase, true)
		if err != nil {
			return nil, fmt.Errorf("unwanted_title of wanted %d: %w", w.ID, err)
		}
		f.Expr = append(f.Expr, expr)
	}
	if w.WaitForTime > 0 {
		f.Expr = append(f.Expr, PostedBeforeExpr{Cutoff: now.Add(-w.WaitForTime)})
	}
	if w.Category != "" {
		f.Expr = append(f.Expr, CategoryExpr{Name: w.Category})
	}
	if len(w.Categories) > 0 {
		f.Expr = append(f.Expr, CategoriesExpr{Names: w.Categories})
	}
	if w.Provider != "" {
		f.Expr = append(f.Expr, ProviderExpr{Name: w.Provider})
	}
	if len(w.WantedProviders) > 0 {
		f.Expr = append(f.Expr, ProviderSetExpr{Slugs: w.WantedProviders})
	}
	if len(w.UnwantedProviders) > 0 {
		f.Expr = append(f.Expr, ProviderSetExpr{Slugs: w.UnwantedProviders, Exclude: true})
	}
	if w.WantedPageCountLower > 0 || w.WantedPageCountUpper > 0 {
		f.Expr = append(f.Expr, PageCountExpr{Lower: w.WantedPageCountLower, Upper: w.WantedPageCountUpper})
	}
	if len(w.WantedTags) > 0 {
		f.Expr = append(f.Expr, WantedTagsExpr{
			Tags:              w.WantedTags,
			Exclusive:         w.WantedTagsExclusiveScope,
			ScopeName:         w.ExclusiveScopeName,
			AcceptIfNoneScope: w.WantedTagsAcceptIfNoneScope,
		})
	}
	if len(w.UnwantedTags) > 0 {
		f.Expr = append(f.Expr, UnwantedTagsExpr{Tags: w.UnwantedTags})
	}
	return f, nil
}

// Accepts compiles w and evaluates g against it. A wanted gallery whose patterns do
// not compile accepts nothing.
func Accepts(w *models.WantedGallery, g *models.Gallery, now time.Time) bool {
	f, err := Compile(w, now)
	if err != nil {
		return false
	}
	return f.Accepts(g)
}

func titleExpr(pattern string, isRegexp, icase, negate bool) (TitleExpr, error) {
	if !isRegexp {
		return TitleExpr{Like: LikePattern(pattern), Negate: negate}, nil
	}
	re, err := utils.CompileRegex(pattern, icase)
	if err != nil {
		return TitleExpr{}, err
	}
	return TitleExpr{Regexp: re, Negate: negate}, nil
}

// LikePattern turns "foo bar" into "%foo%bar%".
func LikePattern(search string) string {
	return "%" + strings.ReplaceAll(search, " ", "%") + "%"
}

// LikeMatch evaluates a LIKE pattern against s, case-insensitively. Only % is a
// wildcard; every other rune matches itself.
func LikeMatch(pattern, s string) bool {
	parts := strings.Split(strings.ToLower(pattern), "%")
	s = strings.ToLower(s)

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := len(parts) - 1
	if last == 0 {
		return s == ""
	}
	for _, p := range parts[1:last] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, parts[last])
}

func scopeOf(tag string) string {
	scope, _, _ := strings.Cut(tag, ":")
	return scope
}

func allHavePrefix(items []string, prefix string) bool {
	for _, s := range items {
		if !strings.HasPrefix(s, prefix) {
			return false
		}
	}
	return true
}

func anyHasPrefix(items []string, prefix string) bool {
	for _, s := range items {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
