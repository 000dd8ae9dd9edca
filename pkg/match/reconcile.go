package match

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/metrics"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// WantedCatalog is the part of the catalog the reconciler reads and writes.
type WantedCatalog interface {
	GetWantedGallery(ctx context.Context, id int64) (*models.WantedGallery, error)
	ListWantedGalleries(ctx context.Context, f catalog.WantedFilter) ([]*models.WantedGallery, error)
	EligibleGalleries(ctx context.Context, f catalog.GalleryFilter) ([]*models.Gallery, error)
	GetOrCreateFoundGallery(ctx context.Context, wantedID, galleryID int64) (bool, error)
	IsFound(ctx context.Context, wantedID, galleryID int64) (bool, error)
	MarkWantedFound(ctx context.Context, wantedID int64, at time.Time) error
	GetOrCreateGalleryMatch(ctx context.Context, m models.GalleryMatch) (bool, error)
	Mentions(ctx context.Context, wantedID int64) ([]models.Mention, error)
	SetWantedReleaseDate(ctx context.Context, wantedID int64, date time.Time) error
}

// SearchOptions tunes SearchGalleryTitleInternalMatches.
type SearchOptions struct {
	ProviderFilter string // Substring match on gallery provider
	Cutoff         float64
	MaxMatches     int
	MustBeUsed     bool // Only galleries that have an archive
}

// Reconciler moves wanted galleries through their search lifecycle.
type Reconciler struct {
	catalog WantedCatalog
	log     *logrus.Entry
	now     func() time.Time
}

func NewReconciler(c WantedCatalog, log *logrus.Entry) *Reconciler {
	return &Reconciler{catalog: c, log: log.WithField("component", "reconciler"), now: time.Now}
}

// MatchAgainstGalleries confirms every eligible gallery the wanted gallery accepts:
// a FoundGallery row is created for each and the wanted gallery is marked found.
// Galleries already found for it are not considered again, so repeated calls only
// add new matches. providerFilter, when set, restricts galleries to that provider.
func (r *Reconciler) MatchAgainstGalleries(ctx context.Context, wantedID int64, providerFilter string) ([]int64, error) {
	accepted, err := r.acceptedGalleries(ctx, wantedID, providerFilter)
	if err != nil {
		return nil, err
	}

	var found []int64
	for _, g := range accepted {
		created, err := r.catalog.GetOrCreateFoundGallery(ctx, wantedID, g.ID)
		if err != nil {
			return found, err
		}
		if err := r.catalog.MarkWantedFound(ctx, wantedID, r.now()); err != nil {
			return found, err
		}
		if created {
			metrics.FoundGalleries.Inc()
		}
		found = append(found, g.ID)
	}
	if len(found) > 0 {
		r.log.WithFields(logrus.Fields{"wanted_id": wantedID, "galleries": len(found)}).Info("Wanted gallery found")
	}
	return found, nil
}

// CreateGalleryMatchesInternally stages every accepted gallery as a candidate match
// with accuracy 1 instead of confirming it.
func (r *Reconciler) CreateGalleryMatchesInternally(ctx context.Context, wantedID int64, providerFilter string) ([]int64, error) {
	accepted, err := r.acceptedGalleries(ctx, wantedID, providerFilter)
	if err != nil {
		return nil, err
	}
	var staged []int64
	for _, g := range accepted {
		created, err := r.catalog.GetOrCreateGalleryMatch(ctx, models.GalleryMatch{WantedID: wantedID, GalleryID: g.ID, Accuracy: 1})
		if err != nil {
			return staged, err
		}
		if created {
			metrics.GalleryMatches.Inc()
		}
		staged = append(staged, g.ID)
	}
	return staged, nil
}

func (r *Reconciler) acceptedGalleries(ctx context.Context, wantedID int64, providerFilter string) ([]*models.Gallery, error) {
	w, err := r.catalog.GetWantedGallery(ctx, wantedID)
	if err != nil {
		return nil, err
	}
	filter, err := Compile(w, r.now())
	if err != nil {
		return nil, err
	}
	galleries, err := r.catalog.EligibleGalleries(ctx, catalog.GalleryFilter{Provider: providerFilter, ExcludeFoundFor: wantedID})
	if err != nil {
		return nil, err
	}
	var accepted []*models.Gallery
	for _, g := range galleries {
		if filter.Accepts(g) {
			accepted = append(accepted, g)
		}
	}
	r.log.WithFields(logrus.Fields{
		"wanted_id": wantedID, "candidates": len(galleries), "accepted": len(accepted),
	}).Debugf("Evaluated filter: %s", filter.Expr)
	return accepted, nil
}

// MatchEligibleWanted runs MatchAgainstGalleries for every wanted gallery that is
// eligible to search. Wanted galleries with broken patterns are logged and skipped.
// Returns how many galleries were confirmed in total.
func (r *Reconciler) MatchEligibleWanted(ctx context.Context, providerFilter string) (int, error) {
	wanted, err := r.catalog.ListWantedGalleries(ctx, catalog.WantedFilter{EligibleToSearch: true, Now: r.now()})
	if err != nil {
		return 0, err
	}
	r.log.Infof("Matching %d eligible wanted galleries against the catalog, provider filter: '%s'", len(wanted), providerFilter)

	total := 0
	for _, w := range wanted {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		found, err := r.MatchAgainstGalleries(ctx, w.ID, providerFilter)
		if errors.Is(err, utils.ErrInvalidPattern) {
			r.log.WithField("wanted_id", w.ID).Warnf("Skipping wanted gallery: %v", err)
			continue
		}
		if err != nil {
			return total, err
		}
		total += len(found)
	}
	r.log.Infof("Matching ended, %d galleries found", total)
	return total, nil
}

// SearchGalleryTitleInternalMatches stages fuzzy title matches between each wanted
// gallery's search title and the cleaned titles of eligible galleries. Galleries
// already found for a wanted gallery are skipped; nothing is ever confirmed here.
func (r *Reconciler) SearchGalleryTitleInternalMatches(ctx context.Context, wantedIDs []int64, opts SearchOptions) (int, error) {
	if opts.Cutoff == 0 {
		opts.Cutoff = DefaultCutoff
	}
	if opts.MaxMatches == 0 {
		opts.MaxMatches = DefaultMaxMatches
	}

	var wanted []*models.WantedGallery
	var err error
	if len(wantedIDs) > 0 {
		wanted, err = r.catalog.ListWantedGalleries(ctx, catalog.WantedFilter{IDs: wantedIDs})
	} else {
		wanted, err = r.catalog.ListWantedGalleries(ctx, catalog.WantedFilter{EligibleToSearch: true, Now: r.now()})
	}
	if err != nil {
		return 0, err
	}

	galleries, err := r.catalog.EligibleGalleries(ctx, catalog.GalleryFilter{
		ProviderContains: opts.ProviderFilter,
		MustBeUsed:       opts.MustBeUsed,
	})
	if err != nil {
		return 0, err
	}
	candidates := make([]Candidate, 0, 2*len(galleries))
	for _, g := range galleries {
		if g.Title != "" {
			candidates = append(candidates, Candidate{Title: CleanTitle(g.Title), ID: g.ID})
		}
		if g.TitleJpn != "" {
			candidates = append(candidates, Candidate{Title: CleanTitle(g.TitleJpn), ID: g.ID})
		}
	}
	r.log.Infof("Trying to match against gallery database, %d wanted galleries, %d galleries. Provider filter: '%s'",
		len(wanted), len(galleries), opts.ProviderFilter)

	staged := 0
	for _, w := range wanted {
		if err := ctx.Err(); err != nil {
			return staged, err
		}
		if w.SearchTitle == "" {
			continue
		}
		results := Closest(w.SearchTitle, candidates, opts.Cutoff, opts.MaxMatches)
		if len(results) == 0 {
			continue
		}
		r.log.WithField("wanted_id", w.ID).Infof("Found %d matches from title for %s", len(results), w.SearchTitle)
		for _, res := range results {
			isFound, err := r.catalog.IsFound(ctx, w.ID, res.ID)
			if err != nil {
				return staged, err
			}
			if isFound {
				continue
			}
			created, err := r.catalog.GetOrCreateGalleryMatch(ctx, models.GalleryMatch{WantedID: w.ID, GalleryID: res.ID, Accuracy: res.Ratio})
			if err != nil {
				return staged, err
			}
			if created {
				staged++
				metrics.GalleryMatches.Inc()
			}
		}
	}
	return staged, nil
}

// CalculateNearestReleaseDate sets the wanted gallery's release date to midnight
// (UTC) of the most common mention release date. When several dates are equally
// common, the one mentioned first wins. Without dated mentions nothing changes.
func (r *Reconciler) CalculateNearestReleaseDate(ctx context.Context, wantedID int64) (*time.Time, error) {
	mentions, err := r.catalog.Mentions(ctx, wantedID)
	if err != nil {
		return nil, err
	}
	best, ok := ModeReleaseDate(mentions)
	if !ok {
		return nil, nil
	}
	if err := r.catalog.SetWantedReleaseDate(ctx, wantedID, best); err != nil {
		return nil, err
	}
	return &best, nil
}

// ModeReleaseDate returns midnight UTC of the most frequent release calendar date
// among mentions, ties going to the earliest in slice order.
func ModeReleaseDate(mentions []models.Mention) (time.Time, bool) {
	counts := make(map[time.Time]int)
	var order []time.Time
	for _, m := range mentions {
		if m.ReleaseDate == nil {
			continue
		}
		u := m.ReleaseDate.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		if counts[day] == 0 {
			order = append(order, day)
		}
		counts[day]++
	}
	if len(order) == 0 {
		return time.Time{}, false
	}
	best := order[0]
	for _, day := range order[1:] {
		if counts[day] > counts[best] {
			best = day
		}
	}
	return best, true
}
