package hashing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/metrics"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/storage"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Catalog is the part of the catalog the hashing service reads and writes.
type Catalog interface {
	ListArchives(ctx context.Context, f catalog.ArchiveFilter) ([]*models.Archive, error)
	GetArchive(ctx context.Context, id int64) (*models.Archive, error)
	ArchiveImages(ctx context.Context, archiveID int64) ([]models.Image, error)
	EnsureImages(ctx context.Context, archiveID int64, names []string) ([]models.Image, error)
	GetImage(ctx context.Context, id int64) (models.Image, error)
	SetImageSHA1(ctx context.Context, imageID int64, sum string) error
	EligibleGalleries(ctx context.Context, f catalog.GalleryFilter) ([]*models.Gallery, error)
}

// Cache stores hashes by entity and answers reverse lookups.
type Cache interface {
	storage.HashReader
	storage.HashWriter
}

// AlgorithmResults holds the hashes of one algorithm: archive thumbnails by
// archive id, and archive pages by archive id and position.
type AlgorithmResults struct {
	Archives map[int64]string         `json:"archives"`
	Images   map[int64]map[int]string `json:"images"`
}

// Results maps algorithm name to its hashes.
type Results map[string]*AlgorithmResults

func newResults(algorithms []string) Results {
	res := make(Results, len(algorithms))
	for _, alg := range algorithms {
		res[alg] = &AlgorithmResults{Archives: map[int64]string{}, Images: map[int64]map[int]string{}}
	}
	return res
}

// ImageMatch is one page whose phash equals the searched image.
type ImageMatch struct {
	Archive *models.Archive `json:"archive"`
	Image   models.Image    `json:"image"`
}

// ImageSearchResult is the outcome of ReverseImageSearch.
type ImageSearchResult struct {
	Hash    string       `json:"phash"`
	Matches []ImageMatch `json:"matches"`
}

// Service computes and caches hashes for catalog entities.
type Service struct {
	catalog   Catalog
	cache     Cache
	mediaRoot string
	log       *logrus.Entry
}

// NewService builds a hashing service. Relative archive and thumbnail paths are
// resolved against mediaRoot.
func NewService(c Catalog, cache Cache, mediaRoot string, log *logrus.Entry) *Service {
	return &Service{catalog: c, cache: cache, mediaRoot: mediaRoot, log: log.WithField("component", "hashing")}
}

// Path resolves a stored path against the media root.
func (s *Service) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.mediaRoot, p)
}

// HashArchives hashes thumbnails and/or pages of the given archives (all archives
// when archiveIDs is empty) with every known algorithm. Unknown algorithms are
// skipped. An archive whose file cannot be read is logged and left out.
func (s *Service) HashArchives(ctx context.Context, archiveIDs []int64, algorithms []string, thumbnails, images bool) (Results, error) {
	known, unknown := FilterSupported(algorithms)
	for _, alg := range unknown {
		s.log.Warnf("Skipping unknown hash algorithm: %s", alg)
	}
	results := newResults(known)
	if len(known) == 0 {
		return results, nil
	}

	archives, err := s.catalog.ListArchives(ctx, catalog.ArchiveFilter{IDs: archiveIDs})
	if err != nil {
		return nil, err
	}
	for _, a := range archives {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		err := s.HashArchive(ctx, a, known, thumbnails, images, results)
		if errors.Is(err, utils.ErrDatabase) {
			return results, err
		}
		if err != nil {
			s.log.WithField("archive_id", a.ID).Warnf("Could not hash archive: %v", err)
		}
	}
	return results, nil
}

// HashArchive hashes one archive into results, which must hold an entry for each
// algorithm. A nil results discards the values and only fills the cache.
func (s *Service) HashArchive(ctx context.Context, a *models.Archive, algorithms []string, thumbnails, images bool, results Results) error {
	if results == nil {
		results = newResults(algorithms)
	}
	if thumbnails && a.ThumbnailPath != "" {
		for _, alg := range algorithms {
			value, err := s.cached(models.EntityArchive, a.ID, alg, func() (string, error) {
				return s.hashFile(alg, s.Path(a.ThumbnailPath))
			})
			if err != nil {
				return err
			}
			results[alg].Archives[a.ID] = value
		}
	}
	if !images {
		return nil
	}

	pages, err := s.archivePageHashes(ctx, a, algorithms)
	if err != nil {
		return err
	}
	for alg, byPos := range pages {
		results[alg].Images[a.ID] = byPos
	}
	return nil
}

func (s *Service) archivePageHashes(ctx context.Context, a *models.Archive, algorithms []string) (map[string]map[int]string, error) {
	out := make(map[string]map[int]string, len(algorithms))
	imgs, err := s.catalog.ArchiveImages(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, alg := range algorithms {
		if byPos, ok := s.knownPageHashes(alg, imgs); ok {
			out[alg] = byPos
			continue
		}
		pending = append(pending, alg)
	}
	if len(pending) == 0 {
		return out, nil
	}

	path := s.Path(a.Path)
	names, err := ListPages(path)
	if err != nil {
		return nil, err
	}
	imgs, err = s.catalog.EnsureImages(ctx, a.ID, names)
	if err != nil {
		return nil, err
	}
	idByPos := make(map[int]int64, len(imgs))
	for _, img := range imgs {
		idByPos[img.Position] = img.ID
	}
	for _, alg := range pending {
		out[alg] = make(map[int]string, len(names))
	}

	err = ReadPages(path, func(pos int, name string, r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("%w: reading %s: %w", utils.ErrArchiveFormat, name, err)
		}
		hashes, err := HashBytes(pending, data)
		if err != nil {
			return err
		}
		imageID := idByPos[pos]
		for alg, value := range hashes {
			out[alg][pos] = value
			metrics.HashesComputed.WithLabelValues(alg).Inc()
			if imageID == 0 {
				continue
			}
			if err := s.cache.Put(models.EntityImage, imageID, alg, value); err != nil {
				return err
			}
			if alg == AlgSHA1 {
				if err := s.catalog.SetImageSHA1(ctx, imageID, value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// knownPageHashes answers alg for every image without touching the archive:
// sha1 from the images table, anything else from the cache.
func (s *Service) knownPageHashes(alg string, imgs []models.Image) (map[int]string, bool) {
	if len(imgs) == 0 {
		return nil, false
	}
	byPos := make(map[int]string, len(imgs))
	if alg == AlgSHA1 {
		for _, img := range imgs {
			if img.SHA1 == "" {
				return nil, false
			}
			byPos[img.Position] = img.SHA1
		}
		return byPos, true
	}
	for _, img := range imgs {
		value, found, err := s.cache.Get(models.EntityImage, img.ID, alg)
		if err != nil || !found {
			return nil, false
		}
		byPos[img.Position] = value
	}
	metrics.HashCacheHits.Add(float64(len(imgs)))
	return byPos, true
}

// HashGalleryThumbnails hashes the stored thumbnails of the given galleries (every
// eligible gallery when galleryIDs is empty). Returns algorithm → gallery id → hash.
func (s *Service) HashGalleryThumbnails(ctx context.Context, galleryIDs []int64, algorithms []string) (map[string]map[int64]string, error) {
	known, unknown := FilterSupported(algorithms)
	for _, alg := range unknown {
		s.log.Warnf("Skipping unknown hash algorithm: %s", alg)
	}
	out := make(map[string]map[int64]string, len(known))
	for _, alg := range known {
		out[alg] = map[int64]string{}
	}

	galleries, err := s.catalog.EligibleGalleries(ctx, catalog.GalleryFilter{IDs: galleryIDs})
	if err != nil {
		return nil, err
	}
	for _, g := range galleries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if g.ThumbnailPath == "" {
			continue
		}
		for _, alg := range known {
			value, err := s.cached(models.EntityGallery, g.ID, alg, func() (string, error) {
				return s.hashFile(alg, s.Path(g.ThumbnailPath))
			})
			if errors.Is(err, utils.ErrDatabase) {
				return out, err
			}
			if err != nil {
				s.log.WithField("gallery_id", g.ID).Warnf("Could not hash thumbnail: %v", err)
				break
			}
			out[alg][g.ID] = value
		}
	}
	return out, nil
}

// ReverseImageSearch finds archive pages whose phash equals the uploaded image's.
// Pages of non-public archives are only returned when authenticated.
func (s *Service) ReverseImageSearch(ctx context.Context, r io.Reader, authenticated bool) (*ImageSearchResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading upload: %w", utils.ErrFilesystem, err)
	}
	img, err := decodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	hash, err := PHash(img)
	if err != nil {
		return nil, err
	}
	result := &ImageSearchResult{Hash: hash}

	imageIDs, err := s.cache.Lookup(models.EntityImage, AlgPHash, result.Hash)
	if err != nil {
		return nil, err
	}
	for _, id := range imageIDs {
		page, err := s.catalog.GetImage(ctx, id)
		if errors.Is(err, utils.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		a, err := s.catalog.GetArchive(ctx, page.ArchiveID)
		if errors.Is(err, utils.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !a.Public && !authenticated {
			continue
		}
		result.Matches = append(result.Matches, ImageMatch{Archive: a, Image: page})
	}
	sort.Slice(result.Matches, func(i, j int) bool {
		mi, mj := result.Matches[i], result.Matches[j]
		if mi.Archive.ID != mj.Archive.ID {
			return mi.Archive.ID < mj.Archive.ID
		}
		return mi.Image.Position < mj.Image.Position
	})
	return result, nil
}

func (s *Service) cached(kind string, id int64, alg string, compute func() (string, error)) (string, error) {
	value, found, err := s.cache.Get(kind, id, alg)
	if err != nil {
		return "", err
	}
	if found {
		metrics.HashCacheHits.Inc()
		return value, nil
	}
	if value, err = compute(); err != nil {
		return "", err
	}
	metrics.HashesComputed.WithLabelValues(alg).Inc()
	if err := s.cache.Put(kind, id, alg, value); err != nil {
		return "", err
	}
	return value, nil
}

func (s *Service) hashFile(alg, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()
	return Hash(alg, f)
}
