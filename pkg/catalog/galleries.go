package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pandabackup/panda-match/pkg/models"
)

const galleryColumns = `g.id, g.gid, g.provider, g.title, g.title_jpn, g.category, g.filecount, g.filesize,
	g.posted, g.status, g.origin, g.public, g.hidden, g.link, g.thumbnail_url, g.thumbnail_path, g.create_date`

// GalleryFilter narrows EligibleGalleries. The zero value selects every normal gallery.
type GalleryFilter struct {
	Provider         string  // Exact provider match
	ProviderContains string  // Substring provider match
	ExcludeFoundFor  int64   // Skip galleries already found for this wanted gallery
	MustBeUsed       bool    // Only galleries linked to at least one archive
	IDs              []int64 // Restrict to these ids
}

// EnsureTag returns the id of the (scope, name) tag, creating it when missing.
func (s *Store) EnsureTag(ctx context.Context, tag models.Tag) (int64, error) {
	return ensureTag(ctx, s.db, tag)
}

func ensureTag(ctx context.Context, q querier, tag models.Tag) (int64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO tags(scope, name) VALUES(?, ?) ON CONFLICT(scope, name) DO NOTHING`,
		tag.Scope, tag.Name); err != nil {
		return 0, dbErr("insert tag", err)
	}
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM tags WHERE scope=? AND name=?`, tag.Scope, tag.Name).Scan(&id)
	return id, dbErr("select tag", err)
}

// EnsureProvider get-or-creates a provider by slug.
func (s *Store) EnsureProvider(ctx context.Context, slug, name string) (*models.Provider, error) {
	if name == "" {
		name = slug
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO providers(slug, name) VALUES(?, ?) ON CONFLICT(slug) DO NOTHING`,
		slug, name); err != nil {
		return nil, dbErr("insert provider", err)
	}
	p := &models.Provider{}
	err := s.db.QueryRowContext(ctx, `SELECT id, slug, name FROM providers WHERE slug=?`, slug).Scan(&p.ID, &p.Slug, &p.Name)
	if err != nil {
		return nil, dbErr("select provider", err)
	}
	return p, nil
}

// ListProviders returns all known providers ordered by slug.
func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, slug, name FROM providers ORDER BY slug`)
	if err != nil {
		return nil, dbErr("list providers", err)
	}
	defer rows.Close()
	var out []models.Provider
	for rows.Next() {
		var p models.Provider
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name); err != nil {
			return nil, dbErr("scan provider", err)
		}
		out = append(out, p)
	}
	return out, dbErr("iterate providers", rows.Err())
}

// UpsertGallery inserts a gallery or refreshes the metadata of the existing
// (gid, provider) row, replacing its tag set. Status and origin of an existing row
// are left alone.
func (s *Store) UpsertGallery(ctx context.Context, g *models.Gallery) (id int64, created bool, err error) {
	status := g.Status
	if status == "" {
		status = models.GalleryStatusNormal
	}
	origin := g.Origin
	if origin == "" {
		origin = models.GalleryOriginNormal
	}
	createDate := g.CreateDate
	if createDate.IsZero() {
		createDate = time.Now()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		switch scanErr := tx.QueryRowContext(ctx, `SELECT id FROM galleries WHERE gid=? AND provider=?`,
			g.GID, g.Provider).Scan(&existing); {
		case errors.Is(scanErr, sql.ErrNoRows):
			res, execErr := tx.ExecContext(ctx, `
				INSERT INTO galleries(gid, provider, title, title_jpn, category, filecount, filesize, posted,
					status, origin, public, hidden, link, thumbnail_url, thumbnail_path, create_date)
				VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				g.GID, g.Provider, g.Title, g.TitleJpn, g.Category, g.Filecount, g.Filesize, nullTime(g.Posted),
				string(status), string(origin), boolInt(g.Public), boolInt(g.Hidden), g.Link, g.ThumbnailURL,
				g.ThumbnailPath, fmtTime(createDate))
			if execErr != nil {
				return dbErr("insert gallery", execErr)
			}
			if id, execErr = res.LastInsertId(); execErr != nil {
				return dbErr("gallery id", execErr)
			}
			created = true
		case scanErr != nil:
			return dbErr("select gallery", scanErr)
		default:
			id = existing
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE galleries SET title=?, title_jpn=?, category=?, filecount=?, filesize=?,
					posted=COALESCE(?, posted), link=?,
					thumbnail_url=CASE WHEN ? <> '' THEN ? ELSE thumbnail_url END,
					thumbnail_path=CASE WHEN ? <> '' THEN ? ELSE thumbnail_path END
				WHERE id=?`,
				g.Title, g.TitleJpn, g.Category, g.Filecount, g.Filesize, nullTime(g.Posted), g.Link,
				g.ThumbnailURL, g.ThumbnailURL, g.ThumbnailPath, g.ThumbnailPath, id); execErr != nil {
				return dbErr("update gallery", execErr)
			}
			if _, execErr := tx.ExecContext(ctx, `DELETE FROM gallery_tags WHERE gallery_id=?`, id); execErr != nil {
				return dbErr("clear gallery tags", execErr)
			}
		}
		for _, tag := range g.Tags {
			tagID, tagErr := ensureTag(ctx, tx, tag)
			if tagErr != nil {
				return tagErr
			}
			if _, execErr := tx.ExecContext(ctx, `INSERT OR IGNORE INTO gallery_tags(gallery_id, tag_id) VALUES(?, ?)`,
				id, tagID); execErr != nil {
				return dbErr("link gallery tag", execErr)
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	g.ID = id
	return id, created, nil
}

// SetGalleryStatus changes the soft-delete state of a gallery.
func (s *Store) SetGalleryStatus(ctx context.Context, id int64, status models.GalleryStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE galleries SET status=? WHERE id=?`, string(status), id)
	return dbErr("update gallery status", err)
}

// SetGalleryThumbnailPath records the local thumbnail of a gallery.
func (s *Store) SetGalleryThumbnailPath(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE galleries SET thumbnail_path=? WHERE id=?`, path, id)
	return dbErr("update gallery thumbnail", err)
}

// GetGallery loads one gallery with its tags.
func (s *Store) GetGallery(ctx context.Context, id int64) (*models.Gallery, error) {
	galleries, err := s.queryGalleries(ctx, `SELECT `+galleryColumns+` FROM galleries g WHERE g.id=?`, id)
	if err != nil {
		return nil, err
	}
	if len(galleries) == 0 {
		return nil, dbErr("gallery", sql.ErrNoRows)
	}
	return galleries[0], nil
}

// GalleryByGID loads the gallery identified by (gid, provider).
func (s *Store) GalleryByGID(ctx context.Context, gid, provider string) (*models.Gallery, error) {
	galleries, err := s.queryGalleries(ctx, `SELECT `+galleryColumns+` FROM galleries g WHERE g.gid=? AND g.provider=?`, gid, provider)
	if err != nil {
		return nil, err
	}
	if len(galleries) == 0 {
		return nil, dbErr("gallery by gid", sql.ErrNoRows)
	}
	return galleries[0], nil
}

// ExistingGIDs reports which of gids already exist for provider.
func (s *Store) ExistingGIDs(ctx context.Context, provider string, gids []string) (map[string]bool, error) {
	used := make(map[string]bool)
	if len(gids) == 0 {
		return used, nil
	}
	args := make([]any, 0, len(gids)+1)
	args = append(args, provider)
	for _, gid := range gids {
		args = append(args, gid)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT gid FROM galleries WHERE provider=? AND gid IN (`+placeholders(len(gids))+`)`, args...)
	if err != nil {
		return nil, dbErr("existing gids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, dbErr("scan gid", err)
		}
		used[gid] = true
	}
	return used, dbErr("iterate gids", rows.Err())
}

// EligibleGalleries returns normal-status galleries with their tags, narrowed by f.
func (s *Store) EligibleGalleries(ctx context.Context, f GalleryFilter) ([]*models.Gallery, error) {
	var where []string
	var args []any
	where = append(where, `g.status=?`)
	args = append(args, string(models.GalleryStatusNormal))
	if f.Provider != "" {
		where = append(where, `g.provider=?`)
		args = append(args, f.Provider)
	}
	if f.ProviderContains != "" {
		where = append(where, `instr(g.provider, ?) > 0`)
		args = append(args, f.ProviderContains)
	}
	if f.ExcludeFoundFor != 0 {
		where = append(where, `NOT EXISTS (SELECT 1 FROM found_galleries fg WHERE fg.gallery_id=g.id AND fg.wanted_id=?)`)
		args = append(args, f.ExcludeFoundFor)
	}
	if f.MustBeUsed {
		where = append(where, `EXISTS (SELECT 1 FROM archives a WHERE a.gallery_id=g.id)`)
	}
	if len(f.IDs) > 0 {
		where = append(where, `g.id IN (`+placeholders(len(f.IDs))+`)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + galleryColumns + ` FROM galleries g WHERE ` + strings.Join(where, " AND ") + ` ORDER BY g.id`
	return s.queryGalleries(ctx, query, args...)
}

// GalleriesByFilesize returns normal galleries with exactly size bytes.
func (s *Store) GalleriesByFilesize(ctx context.Context, size int64, providerContains string) ([]*models.Gallery, error) {
	if size <= 0 {
		return nil, nil
	}
	query := `SELECT ` + galleryColumns + ` FROM galleries g WHERE g.status=? AND g.filesize=?`
	args := []any{string(models.GalleryStatusNormal), size}
	if providerContains != "" {
		query += ` AND instr(g.provider, ?) > 0`
		args = append(args, providerContains)
	}
	return s.queryGalleries(ctx, query+` ORDER BY g.id`, args...)
}

func (s *Store) queryGalleries(ctx context.Context, query string, args ...any) ([]*models.Gallery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("query galleries", err)
	}
	var out []*models.Gallery
	byID := make(map[int64]*models.Gallery)
	for rows.Next() {
		g, scanErr := scanGallery(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		out = append(out, g)
		byID[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, dbErr("iterate galleries", err)
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}
	if err := s.attachGalleryTags(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func scanGallery(rows *sql.Rows) (*models.Gallery, error) {
	var g models.Gallery
	var posted sql.NullString
	var status, origin, created string
	var public, hidden int
	if err := rows.Scan(&g.ID, &g.GID, &g.Provider, &g.Title, &g.TitleJpn, &g.Category, &g.Filecount, &g.Filesize,
		&posted, &status, &origin, &public, &hidden, &g.Link, &g.ThumbnailURL, &g.ThumbnailPath, &created); err != nil {
		return nil, dbErr("scan gallery", err)
	}
	var err error
	if g.Posted, err = parseNullTime(posted); err != nil {
		return nil, err
	}
	if g.CreateDate, err = parseTime(created); err != nil {
		return nil, err
	}
	g.Status = models.GalleryStatus(status)
	g.Origin = models.GalleryOrigin(origin)
	g.Public = public == 1
	g.Hidden = hidden == 1
	return &g, nil
}

// attachGalleryTags loads tags for the given galleries. Small sets are queried by id,
// larger ones read the whole link table once.
func (s *Store) attachGalleryTags(ctx context.Context, byID map[int64]*models.Gallery) error {
	query := `SELECT gt.gallery_id, t.scope, t.name FROM gallery_tags gt JOIN tags t ON t.id=gt.tag_id`
	var args []any
	if len(byID) <= 500 {
		query += ` WHERE gt.gallery_id IN (` + placeholders(len(byID)) + `)`
		for id := range byID {
			args = append(args, id)
		}
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY gt.gallery_id, t.scope, t.name`, args...)
	if err != nil {
		return dbErr("query gallery tags", err)
	}
	defer rows.Close()
	for rows.Next() {
		var galleryID int64
		var tag models.Tag
		if err := rows.Scan(&galleryID, &tag.Scope, &tag.Name); err != nil {
			return dbErr("scan gallery tag", err)
		}
		if g, ok := byID[galleryID]; ok {
			g.Tags = append(g.Tags, tag)
		}
	}
	return dbErr("iterate gallery tags", rows.Err())
}
