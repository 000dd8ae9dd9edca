package match

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/metrics"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// ArchiveCatalog is the part of the catalog archive matching needs.
type ArchiveCatalog interface {
	ListArchives(ctx context.Context, f catalog.ArchiveFilter) ([]*models.Archive, error)
	EligibleGalleries(ctx context.Context, f catalog.GalleryFilter) ([]*models.Gallery, error)
	GalleriesByFilesize(ctx context.Context, size int64, providerContains string) ([]*models.Gallery, error)
	GetGallery(ctx context.Context, id int64) (*models.Gallery, error)
	ArchiveImages(ctx context.Context, archiveID int64) ([]models.Image, error)
	ClearArchiveMatches(ctx context.Context, archiveID int64) error
	UpsertArchiveMatch(ctx context.Context, m models.ArchiveMatch) error
	ConfirmArchiveMatch(ctx context.Context, archiveID, galleryID int64, matchType string) error
}

// HashIndex answers which entities carry a given hash.
type HashIndex interface {
	ListByEntity(kind string, id int64) (map[string]string, error)
	Lookup(kind, algorithm, value string) ([]int64, error)
}

// InternalOptions tunes MatchInternal.
type InternalOptions struct {
	Providers   []string // Provider substrings; each is matched as its own group
	Cutoff      float64
	MaxMatches  int
	ByFilesize  bool
	ByThumbnail bool
}

// ArchiveMatcher proposes galleries for archives that have none.
type ArchiveMatcher struct {
	catalog ArchiveCatalog
	hashes  HashIndex
	log     *logrus.Entry
}

// NewArchiveMatcher builds a matcher. hashes may be nil, which disables hash matches.
func NewArchiveMatcher(c ArchiveCatalog, hashes HashIndex, log *logrus.Entry) *ArchiveMatcher {
	return &ArchiveMatcher{catalog: c, hashes: hashes, log: log.WithField("component", "archive_matcher")}
}

func (m *ArchiveMatcher) loadArchives(ctx context.Context, archiveIDs []int64) ([]*models.Archive, error) {
	if len(archiveIDs) == 0 {
		return m.catalog.ListArchives(ctx, catalog.ArchiveFilter{NonMatchOnly: true})
	}
	return m.catalog.ListArchives(ctx, catalog.ArchiveFilter{IDs: archiveIDs})
}

func (m *ArchiveMatcher) titleCandidates(ctx context.Context, providerContains string) ([]Candidate, int, error) {
	galleries, err := m.catalog.EligibleGalleries(ctx, catalog.GalleryFilter{ProviderContains: providerContains})
	if err != nil {
		return nil, 0, err
	}
	candidates := make([]Candidate, 0, 2*len(galleries))
	for _, g := range galleries {
		if g.Title != "" {
			candidates = append(candidates, Candidate{Title: utils.ReplaceIllegalName(g.Title), ID: g.ID})
		}
		if g.TitleJpn != "" {
			candidates = append(candidates, Candidate{Title: utils.ReplaceIllegalName(g.TitleJpn), ID: g.ID})
		}
	}
	return candidates, len(galleries), nil
}

// MatchArchivesFromGalleryTitles replaces the candidate matches of each archive
// (all non-matched archives when archiveIDs is empty) with title matches against
// gallery titles, then adds size matches for galleries of identical file size.
// Returns the number of candidate rows written.
func (m *ArchiveMatcher) MatchArchivesFromGalleryTitles(ctx context.Context, archiveIDs []int64, cutoff float64, maxMatches int, provider string) (int, error) {
	archives, err := m.loadArchives(ctx, archiveIDs)
	if err != nil {
		return 0, err
	}
	if len(archives) == 0 {
		return 0, nil
	}
	candidates, galleryCount, err := m.titleCandidates(ctx, provider)
	if err != nil {
		return 0, err
	}
	m.log.Infof("Trying to match against gallery database, %d archives with no match, matching against: '%s', number of galleries: %d, cutoff: %.2f",
		len(archives), provider, galleryCount, cutoff)

	written := 0
	for i, a := range archives {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		results := Closest(TitleFromPath(a.Path), candidates, cutoff, maxMatches)
		if len(results) > 0 {
			if err := m.catalog.ClearArchiveMatches(ctx, a.ID); err != nil {
				return written, err
			}
			m.log.Infof("%d of %d: Found %d matches from title for %s", i+1, len(archives), len(results), a.Path)
			for _, res := range results {
				if err := m.upsert(ctx, a.ID, res.ID, models.MatchTypeTitle, res.Ratio); err != nil {
					return written, err
				}
				written++
			}
		}

		n, err := m.sizeMatches(ctx, a, "")
		if err != nil {
			return written, err
		}
		written += n
	}
	m.log.Info("Matching ended")
	return written, nil
}

// MatchInternal adds title, size and hash candidate matches for archives without
// clearing existing ones. Each provider substring in opts forms its own title
// candidate group; no providers means every eligible gallery.
func (m *ArchiveMatcher) MatchInternal(ctx context.Context, archiveIDs []int64, opts InternalOptions) (int, error) {
	if opts.Cutoff == 0 {
		opts.Cutoff = DefaultCutoff
	}
	if opts.MaxMatches == 0 {
		opts.MaxMatches = DefaultMaxMatches
	}
	archives, err := m.loadArchives(ctx, archiveIDs)
	if err != nil {
		return 0, err
	}
	if len(archives) == 0 {
		return 0, nil
	}

	groups := opts.Providers
	if len(groups) == 0 {
		groups = []string{""}
	}
	candidatesPerGroup := make([][]Candidate, len(groups))
	for i, p := range groups {
		if candidatesPerGroup[i], _, err = m.titleCandidates(ctx, p); err != nil {
			return 0, err
		}
	}

	written := 0
	for i, a := range archives {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		title := TitleFromPath(a.Path)
		if title != "" {
			for g, candidates := range candidatesPerGroup {
				results := Closest(title, candidates, opts.Cutoff, opts.MaxMatches)
				for _, res := range results {
					if err := m.upsert(ctx, a.ID, res.ID, models.MatchTypeTitle, res.Ratio); err != nil {
						return written, err
					}
					written++
				}
				if len(results) > 0 {
					m.log.Infof("%d of %d: Found %d matches (internal search) from title for archive: %s, provider filter: '%s'",
						i+1, len(archives), len(results), a.Title, groups[g])
				}
			}
		}

		if opts.ByFilesize {
			for _, p := range groups {
				n, err := m.sizeMatches(ctx, a, p)
				if err != nil {
					return written, err
				}
				written += n
			}
		}

		if opts.ByThumbnail && m.hashes != nil {
			n, err := m.hashMatches(ctx, a, opts.Providers)
			if err != nil {
				return written, err
			}
			written += n
		}
	}
	return written, nil
}

func (m *ArchiveMatcher) sizeMatches(ctx context.Context, a *models.Archive, provider string) (int, error) {
	if a.Filesize <= 0 {
		return 0, nil
	}
	same, err := m.catalog.GalleriesByFilesize(ctx, a.Filesize, provider)
	if err != nil {
		return 0, err
	}
	for _, g := range same {
		if err := m.upsert(ctx, a.ID, g.ID, models.MatchTypeSize, 1); err != nil {
			return 0, err
		}
	}
	if len(same) > 0 {
		m.log.WithField("archive_id", a.ID).Infof("Found %d matches from filesize", len(same))
	}
	return len(same), nil
}

// hashMatches links the archive to galleries whose thumbnail hash equals the
// archive's thumbnail hash or one of its page hashes.
func (m *ArchiveMatcher) hashMatches(ctx context.Context, a *models.Archive, providers []string) (int, error) {
	written := 0
	link := func(alg, value, matchType string) error {
		if value == "" || value == models.NullHash {
			return nil
		}
		galleryIDs, err := m.hashes.Lookup(models.EntityGallery, alg, value)
		if err != nil {
			return err
		}
		for _, gid := range galleryIDs {
			g, err := m.catalog.GetGallery(ctx, gid)
			if errors.Is(err, utils.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if len(providers) > 0 && !containsString(providers, g.Provider) {
				continue
			}
			if err := m.upsert(ctx, a.ID, g.ID, matchType, 1); err != nil {
				return err
			}
			written++
		}
		return nil
	}

	archiveHashes, err := m.hashes.ListByEntity(models.EntityArchive, a.ID)
	if err != nil {
		return 0, err
	}
	for alg, value := range archiveHashes {
		if err := link(alg, value, models.HashThumbnailMatchType(alg)); err != nil {
			return written, err
		}
	}

	images, err := m.catalog.ArchiveImages(ctx, a.ID)
	if err != nil {
		return written, err
	}
	for _, img := range images {
		imageHashes, err := m.hashes.ListByEntity(models.EntityImage, img.ID)
		if err != nil {
			return written, err
		}
		for alg, value := range imageHashes {
			if err := link(alg, value, models.HashImageMatchType(img.Position, alg)); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (m *ArchiveMatcher) upsert(ctx context.Context, archiveID, galleryID int64, matchType string, accuracy float64) error {
	err := m.catalog.UpsertArchiveMatch(ctx, models.ArchiveMatch{
		ArchiveID: archiveID, GalleryID: galleryID, MatchType: matchType, Accuracy: accuracy,
	})
	if err == nil {
		metrics.ArchiveMatches.WithLabelValues(matchTypeLabel(matchType)).Inc()
	}
	return err
}

// ConfirmArchiveMatch links the archive to the gallery and drops its other candidates.
func (m *ArchiveMatcher) ConfirmArchiveMatch(ctx context.Context, archiveID, galleryID int64, matchType string) error {
	if matchType == "" {
		matchType = models.MatchTypeManual
	}
	if err := m.catalog.ConfirmArchiveMatch(ctx, archiveID, galleryID, matchType); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"archive_id": archiveID, "gallery_id": galleryID}).Infof("Archive matched by %s", matchType)
	return nil
}

// matchTypeLabel folds per-position hash match types into one metrics label.
func matchTypeLabel(matchType string) string {
	switch {
	case strings.HasPrefix(matchType, "hash_image_"):
		return "hash_image"
	case strings.HasPrefix(matchType, "hash_thumbnail_"):
		return "hash_thumbnail"
	}
	return matchType
}

func containsString(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
