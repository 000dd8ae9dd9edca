package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pandabackup/panda-match/pkg/models"
)

const archiveColumns = `id, path, title, crc32, filesize, filecount, match_type, gallery_id, public, thumbnail_path, create_date`

// ArchiveFilter narrows ListArchives.
type ArchiveFilter struct {
	IDs          []int64
	NonMatchOnly bool // Only archives whose match_type is "non-match"
	MissingHash  bool // Only archives with no crc32 recorded yet
}

// CreateArchive inserts an archive or refreshes the title of an existing one with
// the same path. Returns the id and whether a new row was made.
func (s *Store) CreateArchive(ctx context.Context, a *models.Archive) (int64, bool, error) {
	var id int64
	created := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		scanErr := tx.QueryRowContext(ctx, `SELECT id FROM archives WHERE path=?`, a.Path).Scan(&id)
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			matchType := a.MatchType
			if matchType == "" {
				matchType = models.MatchTypeNonMatch
			}
			createDate := a.CreateDate
			if createDate.IsZero() {
				createDate = time.Now()
			}
			res, err := tx.ExecContext(ctx, `INSERT INTO archives(path, title, crc32, filesize, filecount, match_type,
				gallery_id, public, thumbnail_path, create_date) VALUES(?,?,?,?,?,?,?,?,?,?)`,
				a.Path, a.Title, a.CRC32, a.Filesize, a.Filecount, matchType, a.GalleryID, boolInt(a.Public),
				a.ThumbnailPath, fmtTime(createDate))
			if err != nil {
				return dbErr("insert archive", err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return dbErr("archive id", err)
			}
			created = true
			return nil
		case scanErr != nil:
			return dbErr("lookup archive", scanErr)
		}
		if a.Title == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, `UPDATE archives SET title=? WHERE id=?`, a.Title, id)
		return dbErr("update archive title", err)
	})
	if err != nil {
		return 0, false, err
	}
	a.ID = id
	return id, created, nil
}

// GetArchive loads one archive.
func (s *Store) GetArchive(ctx context.Context, id int64) (*models.Archive, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE id=?`, id)
	return scanArchive(row)
}

// ListArchives returns archives ordered by id.
func (s *Store) ListArchives(ctx context.Context, f ArchiveFilter) ([]*models.Archive, error) {
	var where []string
	var args []any
	if len(f.IDs) > 0 {
		where = append(where, `id IN (`+placeholders(len(f.IDs))+`)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.NonMatchOnly {
		where = append(where, `match_type=?`)
		args = append(args, models.MatchTypeNonMatch)
	}
	if f.MissingHash {
		where = append(where, `crc32=''`)
	}
	query := `SELECT ` + archiveColumns + ` FROM archives`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, dbErr("query archives", err)
	}
	defer rows.Close()
	var out []*models.Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, dbErr("iterate archives", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchive(row rowScanner) (*models.Archive, error) {
	var a models.Archive
	var galleryID sql.NullInt64
	var public int
	var created string
	if err := row.Scan(&a.ID, &a.Path, &a.Title, &a.CRC32, &a.Filesize, &a.Filecount, &a.MatchType,
		&galleryID, &public, &a.ThumbnailPath, &created); err != nil {
		return nil, dbErr("scan archive", err)
	}
	if galleryID.Valid {
		gid := galleryID.Int64
		a.GalleryID = &gid
	}
	a.Public = public == 1
	var err error
	if a.CreateDate, err = parseTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateArchiveFileInfo stores the checksum, size and page count of an archive file.
func (s *Store) UpdateArchiveFileInfo(ctx context.Context, id int64, crc32 string, filesize int64, filecount int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE archives SET crc32=?, filesize=?, filecount=? WHERE id=?`,
		crc32, filesize, filecount, id)
	return dbErr("update archive file info", err)
}

// SetArchiveThumbnail records where the archive's cover thumbnail was written.
func (s *Store) SetArchiveThumbnail(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE archives SET thumbnail_path=? WHERE id=?`, path, id)
	return dbErr("set archive thumbnail", err)
}

// ClearArchiveMatches drops every candidate match of an archive.
func (s *Store) ClearArchiveMatches(ctx context.Context, archiveID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM archive_matches WHERE archive_id=?`, archiveID)
	return dbErr("clear archive matches", err)
}

// UpsertArchiveMatch stores a candidate, keeping the higher accuracy when one exists.
func (s *Store) UpsertArchiveMatch(ctx context.Context, m models.ArchiveMatch) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO archive_matches(archive_id, gallery_id, match_type, match_accuracy)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(archive_id, gallery_id, match_type) DO UPDATE SET
			match_accuracy=MAX(match_accuracy, excluded.match_accuracy)`,
		m.ArchiveID, m.GalleryID, m.MatchType, m.Accuracy)
	return dbErr("upsert archive match", err)
}

// ArchiveMatches lists candidates for an archive, best first.
func (s *Store) ArchiveMatches(ctx context.Context, archiveID int64) ([]models.ArchiveMatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT archive_id, gallery_id, match_type, match_accuracy FROM archive_matches
		WHERE archive_id=? ORDER BY match_accuracy DESC, gallery_id, match_type`, archiveID)
	if err != nil {
		return nil, dbErr("query archive matches", err)
	}
	defer rows.Close()
	var out []models.ArchiveMatch
	for rows.Next() {
		var m models.ArchiveMatch
		if err := rows.Scan(&m.ArchiveID, &m.GalleryID, &m.MatchType, &m.Accuracy); err != nil {
			return nil, dbErr("scan archive match", err)
		}
		out = append(out, m)
	}
	return out, dbErr("iterate archive matches", rows.Err())
}

// ConfirmArchiveMatch links the archive to the gallery, records the match type and
// removes the remaining candidates.
func (s *Store) ConfirmArchiveMatch(ctx context.Context, archiveID, galleryID int64, matchType string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE archives SET gallery_id=?, match_type=? WHERE id=?`, galleryID, matchType, archiveID)
		if err != nil {
			return dbErr("confirm archive match", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return dbErr("confirm archive rows", err)
		} else if n == 0 {
			return dbErr("archive", sql.ErrNoRows)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM archive_matches WHERE archive_id=?`, archiveID)
		return dbErr("drop archive candidates", err)
	})
}

// EnsureImages get-or-creates image rows for the given page names. Positions are
// 1-based in the order given.
func (s *Store) EnsureImages(ctx context.Context, archiveID int64, names []string) ([]models.Image, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, name := range names {
			if _, err := tx.ExecContext(ctx, `INSERT INTO images(archive_id, position, name) VALUES(?, ?, ?)
				ON CONFLICT(archive_id, position) DO UPDATE SET name=excluded.name`, archiveID, i+1, name); err != nil {
				return dbErr("ensure image", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.ArchiveImages(ctx, archiveID)
}

// ArchiveImages lists the images of an archive by position.
func (s *Store) ArchiveImages(ctx context.Context, archiveID int64) ([]models.Image, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, archive_id, position, name, sha1 FROM images
		WHERE archive_id=? ORDER BY position`, archiveID)
	if err != nil {
		return nil, dbErr("query images", err)
	}
	defer rows.Close()
	var out []models.Image
	for rows.Next() {
		var img models.Image
		if err := rows.Scan(&img.ID, &img.ArchiveID, &img.Position, &img.Name, &img.SHA1); err != nil {
			return nil, dbErr("scan image", err)
		}
		out = append(out, img)
	}
	return out, dbErr("iterate images", rows.Err())
}

// SetImageSHA1 records the content checksum of an image.
func (s *Store) SetImageSHA1(ctx context.Context, imageID int64, sum string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE images SET sha1=? WHERE id=?`, sum, imageID)
	return dbErr("set image sha1", err)
}

// GetImage loads one image row.
func (s *Store) GetImage(ctx context.Context, id int64) (models.Image, error) {
	var img models.Image
	err := s.db.QueryRowContext(ctx, `SELECT id, archive_id, position, name, sha1 FROM images WHERE id=?`, id).
		Scan(&img.ID, &img.ArchiveID, &img.Position, &img.Name, &img.SHA1)
	return img, dbErr("get image", err)
}
