package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/pandabackup/panda-match/pkg/hashing"
	"github.com/pandabackup/panda-match/pkg/models"
)

// Task names.
const (
	TaskRecalc    = "recalc"
	TaskThumbnail = "thumbnail"
	TaskPhash     = "phash"
)

// PathResolver maps a stored archive path to a readable file.
type PathResolver interface {
	Path(p string) string
}

// FileInfoStore persists recalculated archive summaries.
type FileInfoStore interface {
	UpdateArchiveFileInfo(ctx context.Context, id int64, crc32 string, filesize int64, filecount int) error
}

// RecalcTask recomputes crc32, size and page count of an archive file.
type RecalcTask struct {
	Store FileInfoStore
	Paths PathResolver
}

func (RecalcTask) Name() string { return TaskRecalc }

func (t RecalcTask) Run(ctx context.Context, a *models.Archive) error {
	info, err := hashing.ArchiveFileInfo(t.Paths.Path(a.Path))
	if err != nil {
		return err
	}
	return t.Store.UpdateArchiveFileInfo(ctx, a.ID, info.CRC32, info.Filesize, info.Filecount)
}

// ThumbnailStore records where an archive thumbnail was written.
type ThumbnailStore interface {
	SetArchiveThumbnail(ctx context.Context, id int64, path string) error
}

// ThumbnailTask renders the first page of an archive as a JPEG thumbnail.
type ThumbnailTask struct {
	Store ThumbnailStore
	Paths PathResolver
	Dir   string
	Width int
}

func (ThumbnailTask) Name() string { return TaskThumbnail }

var errFirstPageDone = errors.New("first page done")

func (t ThumbnailTask) Run(ctx context.Context, a *models.Archive) error {
	dst := filepath.Join(t.Dir, fmt.Sprintf("archive_%d.jpg", a.ID))
	wrote := false
	err := hashing.ReadPages(t.Paths.Path(a.Path), func(pos int, _ string, r io.Reader) error {
		if pos != 1 {
			return nil
		}
		if err := hashing.WriteThumbnail(r, t.Width, dst); err != nil {
			return err
		}
		wrote = true
		return errFirstPageDone
	})
	if err != nil && !errors.Is(err, errFirstPageDone) {
		return err
	}
	if !wrote {
		return fmt.Errorf("archive %d has no image pages", a.ID)
	}
	return t.Store.SetArchiveThumbnail(ctx, a.ID, dst)
}

// ArchiveHasher hashes the pages of one archive into the hash cache.
type ArchiveHasher interface {
	HashArchive(ctx context.Context, a *models.Archive, algorithms []string, thumbnails, images bool, results hashing.Results) error
}

// PhashTask fills the cache with the perceptual hash of every page.
type PhashTask struct {
	Hasher ArchiveHasher
}

func (PhashTask) Name() string { return TaskPhash }

func (t PhashTask) Run(ctx context.Context, a *models.Archive) error {
	return t.Hasher.HashArchive(ctx, a, []string{hashing.AlgPHash}, false, true, nil)
}

// TaskFunc adapts a function into a named Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context, a *models.Archive) error
}

func (f TaskFunc) Name() string { return f.TaskName }

func (f TaskFunc) Run(ctx context.Context, a *models.Archive) error { return f.Fn(ctx, a) }
