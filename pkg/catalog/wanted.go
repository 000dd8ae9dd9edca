package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pandabackup/panda-match/pkg/models"
)

const wantedColumns = `w.id, w.title, w.title_jpn, w.search_title, w.unwanted_title, w.regexp_search_title,
	w.regexp_search_title_icase, w.regexp_unwanted_title, w.regexp_unwanted_title_icase,
	w.wanted_tags_exclusive_scope, w.exclusive_scope_name, w.wanted_tags_accept_if_none_scope,
	w.wanted_page_count_lower, w.wanted_page_count_upper, w.category, w.provider, w.wait_for_time,
	w.should_search, w.keep_searching, w.found, w.date_found, w.release_date, w.restricted_to_links,
	w.notify_when_found, w.public, w.reason, w.book_type, w.publisher, w.page_count, w.create_date`

// WantedKey identifies wanted galleries the way crawlers deduplicate them: by one
// title field plus the normalized search title, optionally narrowed by publisher.
type WantedKey struct {
	Field          string // "title" or "title_jpn"
	Value          string
	SearchTitle    string
	Publisher      string
	MatchPublisher bool
}

// WantedFilter narrows ListWantedGalleries.
type WantedFilter struct {
	IDs              []int64
	EligibleToSearch bool
	Now              time.Time // Reference time for EligibleToSearch, defaults to time.Now
}

// CreateWantedGallery inserts w with its tag, provider, category and artist relations.
func (s *Store) CreateWantedGallery(ctx context.Context, w *models.WantedGallery) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		id, txErr = insertWanted(ctx, tx, w)
		return txErr
	})
	if err != nil {
		return 0, err
	}
	w.ID = id
	return id, nil
}

// FindOrCreateWanted returns every wanted gallery matching key, or creates one from
// defaults when none exists. The lookup and insert share a transaction, and the
// catalog runs on a single connection, so concurrent callers with the same key see
// the first inserted row.
func (s *Store) FindOrCreateWanted(ctx context.Context, key WantedKey, defaults *models.WantedGallery) ([]*models.WantedGallery, bool, error) {
	field := "title"
	if key.Field == "title_jpn" {
		field = "title_jpn"
	}
	query := `SELECT id FROM wanted_galleries WHERE ` + field + `=? AND search_title=?`
	args := []any{key.Value, key.SearchTitle}
	if key.MatchPublisher {
		query += ` AND publisher=?`
		args = append(args, key.Publisher)
	}
	query += ` ORDER BY id`

	var ids []int64
	created := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return dbErr("lookup wanted", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return dbErr("scan wanted id", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return dbErr("iterate wanted ids", err)
		}
		rows.Close()
		if len(ids) > 0 {
			return nil
		}
		id, err := insertWanted(ctx, tx, defaults)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	out, err := s.ListWantedGalleries(ctx, WantedFilter{IDs: ids})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func insertWanted(ctx context.Context, tx *sql.Tx, w *models.WantedGallery) (int64, error) {
	createDate := w.CreateDate
	if createDate.IsZero() {
		createDate = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wanted_galleries(title, title_jpn, search_title, unwanted_title, regexp_search_title,
			regexp_search_title_icase, regexp_unwanted_title, regexp_unwanted_title_icase,
			wanted_tags_exclusive_scope, exclusive_scope_name, wanted_tags_accept_if_none_scope,
			wanted_page_count_lower, wanted_page_count_upper, category, provider, wait_for_time,
			should_search, keep_searching, found, date_found, release_date, restricted_to_links,
			notify_when_found, public, reason, book_type, publisher, page_count, create_date)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.Title, w.TitleJpn, w.SearchTitle, w.UnwantedTitle, boolInt(w.RegexpSearchTitle),
		boolInt(w.RegexpSearchTitleIcase), boolInt(w.RegexpUnwantedTitle), boolInt(w.RegexpUnwantedTitleIcase),
		boolInt(w.WantedTagsExclusiveScope), w.ExclusiveScopeName, w.WantedTagsAcceptIfNoneScope,
		w.WantedPageCountLower, w.WantedPageCountUpper, w.Category, w.Provider, int64(w.WaitForTime),
		boolInt(w.ShouldSearch), boolInt(w.KeepSearching), boolInt(w.Found), nullTime(w.DateFound),
		nullTime(w.ReleaseDate), boolInt(w.RestrictedToLinks), boolInt(w.NotifyWhenFound), boolInt(w.Public),
		w.Reason, w.BookType, w.Publisher, w.PageCount, fmtTime(createDate))
	if err != nil {
		return 0, dbErr("insert wanted", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, dbErr("wanted id", err)
	}

	for _, tag := range w.WantedTags {
		tagID, err := ensureTag(ctx, tx, tag)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wanted_tags(wanted_id, tag_id) VALUES(?, ?)`, id, tagID); err != nil {
			return 0, dbErr("link wanted tag", err)
		}
	}
	for _, tag := range w.UnwantedTags {
		tagID, err := ensureTag(ctx, tx, tag)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO unwanted_tags(wanted_id, tag_id) VALUES(?, ?)`, id, tagID); err != nil {
			return 0, dbErr("link unwanted tag", err)
		}
	}
	for _, slug := range w.WantedProviders {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wanted_providers(wanted_id, slug) VALUES(?, ?)`, id, slug); err != nil {
			return 0, dbErr("link wanted provider", err)
		}
	}
	for _, slug := range w.UnwantedProviders {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO unwanted_providers(wanted_id, slug) VALUES(?, ?)`, id, slug); err != nil {
			return 0, dbErr("link unwanted provider", err)
		}
	}
	for _, name := range w.Categories {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wanted_categories(wanted_id, name) VALUES(?, ?)`, id, name); err != nil {
			return 0, dbErr("link wanted category", err)
		}
	}
	for _, artist := range w.Artists {
		artistID, err := ensureArtist(ctx, tx, artist)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wanted_artists(wanted_id, artist_id) VALUES(?, ?)`, id, artistID); err != nil {
			return 0, dbErr("link wanted artist", err)
		}
	}
	return id, nil
}

func ensureArtist(ctx context.Context, q querier, a models.Artist) (int64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO artists(name, name_jpn, twitter_handle) VALUES(?, ?, ?)
		ON CONFLICT(name) DO NOTHING`, a.Name, a.NameJpn, a.TwitterHandle); err != nil {
		return 0, dbErr("insert artist", err)
	}
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM artists WHERE name=?`, a.Name).Scan(&id)
	return id, dbErr("select artist", err)
}

// GetWantedGallery loads one wanted gallery with its relations.
func (s *Store) GetWantedGallery(ctx context.Context, id int64) (*models.WantedGallery, error) {
	out, err := s.ListWantedGalleries(ctx, WantedFilter{IDs: []int64{id}})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, dbErr("wanted gallery", sql.ErrNoRows)
	}
	return out[0], nil
}

// ListWantedGalleries returns wanted galleries with relations, ordered by id.
func (s *Store) ListWantedGalleries(ctx context.Context, f WantedFilter) ([]*models.WantedGallery, error) {
	var where []string
	var args []any
	if len(f.IDs) > 0 {
		where = append(where, `w.id IN (`+placeholders(len(f.IDs))+`)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.EligibleToSearch {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		where = append(where, `(w.release_date IS NULL OR w.release_date <= ?)`,
			`w.should_search=1`, `(w.found=0 OR w.keep_searching=1)`, `w.restricted_to_links=0`)
		args = append(args, fmtTime(now))
	}
	query := `SELECT ` + wantedColumns + ` FROM wanted_galleries w`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY w.id`, args...)
	if err != nil {
		return nil, dbErr("query wanted", err)
	}
	var out []*models.WantedGallery
	byID := make(map[int64]*models.WantedGallery)
	for rows.Next() {
		w, scanErr := scanWanted(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		out = append(out, w)
		byID[w.ID] = w
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, dbErr("iterate wanted", err)
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}
	if err := s.attachWantedRelations(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func scanWanted(rows *sql.Rows) (*models.WantedGallery, error) {
	var w models.WantedGallery
	var regexpSearch, regexpSearchIcase, regexpUnwanted, regexpUnwantedIcase, exclusive int
	var shouldSearch, keepSearching, found, restricted, notify, public int
	var waitFor int64
	var dateFound, releaseDate sql.NullString
	var created string
	if err := rows.Scan(&w.ID, &w.Title, &w.TitleJpn, &w.SearchTitle, &w.UnwantedTitle, &regexpSearch,
		&regexpSearchIcase, &regexpUnwanted, &regexpUnwantedIcase, &exclusive, &w.ExclusiveScopeName,
		&w.WantedTagsAcceptIfNoneScope, &w.WantedPageCountLower, &w.WantedPageCountUpper, &w.Category,
		&w.Provider, &waitFor, &shouldSearch, &keepSearching, &found, &dateFound, &releaseDate, &restricted,
		&notify, &public, &w.Reason, &w.BookType, &w.Publisher, &w.PageCount, &created); err != nil {
		return nil, dbErr("scan wanted", err)
	}
	w.RegexpSearchTitle = regexpSearch == 1
	w.RegexpSearchTitleIcase = regexpSearchIcase == 1
	w.RegexpUnwantedTitle = regexpUnwanted == 1
	w.RegexpUnwantedTitleIcase = regexpUnwantedIcase == 1
	w.WantedTagsExclusiveScope = exclusive == 1
	w.WaitForTime = time.Duration(waitFor)
	w.ShouldSearch = shouldSearch == 1
	w.KeepSearching = keepSearching == 1
	w.Found = found == 1
	w.RestrictedToLinks = restricted == 1
	w.NotifyWhenFound = notify == 1
	w.Public = public == 1
	var err error
	if w.DateFound, err = parseNullTime(dateFound); err != nil {
		return nil, err
	}
	if w.ReleaseDate, err = parseNullTime(releaseDate); err != nil {
		return nil, err
	}
	if w.CreateDate, err = parseTime(created); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) attachWantedRelations(ctx context.Context, byID map[int64]*models.WantedGallery) error {
	ids := make([]any, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	in := `(` + placeholders(len(ids)) + `)`

	tagQueries := []struct {
		table string
		apply func(w *models.WantedGallery, t models.Tag)
	}{
		{"wanted_tags", func(w *models.WantedGallery, t models.Tag) { w.WantedTags = append(w.WantedTags, t) }},
		{"unwanted_tags", func(w *models.WantedGallery, t models.Tag) { w.UnwantedTags = append(w.UnwantedTags, t) }},
	}
	for _, tq := range tagQueries {
		rows, err := s.db.QueryContext(ctx, `SELECT x.wanted_id, t.scope, t.name FROM `+tq.table+` x
			JOIN tags t ON t.id=x.tag_id WHERE x.wanted_id IN `+in+` ORDER BY x.wanted_id, t.scope, t.name`, ids...)
		if err != nil {
			return dbErr("query "+tq.table, err)
		}
		for rows.Next() {
			var wantedID int64
			var tag models.Tag
			if err := rows.Scan(&wantedID, &tag.Scope, &tag.Name); err != nil {
				rows.Close()
				return dbErr("scan "+tq.table, err)
			}
			tq.apply(byID[wantedID], tag)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return dbErr("iterate "+tq.table, err)
		}
	}

	stringQueries := []struct {
		query string
		apply func(w *models.WantedGallery, v string)
	}{
		{`SELECT wanted_id, slug FROM wanted_providers WHERE wanted_id IN ` + in + ` ORDER BY wanted_id, slug`,
			func(w *models.WantedGallery, v string) { w.WantedProviders = append(w.WantedProviders, v) }},
		{`SELECT wanted_id, slug FROM unwanted_providers WHERE wanted_id IN ` + in + ` ORDER BY wanted_id, slug`,
			func(w *models.WantedGallery, v string) { w.UnwantedProviders = append(w.UnwantedProviders, v) }},
		{`SELECT wanted_id, name FROM wanted_categories WHERE wanted_id IN ` + in + ` ORDER BY wanted_id, name`,
			func(w *models.WantedGallery, v string) { w.Categories = append(w.Categories, v) }},
	}
	for _, sq := range stringQueries {
		rows, err := s.db.QueryContext(ctx, sq.query, ids...)
		if err != nil {
			return dbErr("query wanted relation", err)
		}
		for rows.Next() {
			var wantedID int64
			var v string
			if err := rows.Scan(&wantedID, &v); err != nil {
				rows.Close()
				return dbErr("scan wanted relation", err)
			}
			sq.apply(byID[wantedID], v)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return dbErr("iterate wanted relation", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT wa.wanted_id, a.id, a.name, a.name_jpn, a.twitter_handle
		FROM wanted_artists wa JOIN artists a ON a.id=wa.artist_id WHERE wa.wanted_id IN `+in+` ORDER BY wa.wanted_id, a.id`, ids...)
	if err != nil {
		return dbErr("query wanted artists", err)
	}
	defer rows.Close()
	for rows.Next() {
		var wantedID int64
		var a models.Artist
		if err := rows.Scan(&wantedID, &a.ID, &a.Name, &a.NameJpn, &a.TwitterHandle); err != nil {
			return dbErr("scan wanted artist", err)
		}
		byID[wantedID].Artists = append(byID[wantedID].Artists, a)
	}
	return dbErr("iterate wanted artists", rows.Err())
}

// MarkWantedFound flips found and stamps date_found.
func (s *Store) MarkWantedFound(ctx context.Context, wantedID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE wanted_galleries SET found=1, date_found=? WHERE id=?`, fmtTime(at), wantedID)
	return dbErr("mark wanted found", err)
}

// SetWantedReleaseDate stores the consensus release date.
func (s *Store) SetWantedReleaseDate(ctx context.Context, wantedID int64, date time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE wanted_galleries SET release_date=? WHERE id=?`, fmtTime(date), wantedID)
	return dbErr("set release date", err)
}

// SetWantedSearchFlags updates should_search and keep_searching.
func (s *Store) SetWantedSearchFlags(ctx context.Context, wantedID int64, shouldSearch, keepSearching bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE wanted_galleries SET should_search=?, keep_searching=? WHERE id=?`,
		boolInt(shouldSearch), boolInt(keepSearching), wantedID)
	return dbErr("set search flags", err)
}

// --- found galleries and candidate matches ---

// GetOrCreateFoundGallery links a wanted gallery to a confirmed gallery.
func (s *Store) GetOrCreateFoundGallery(ctx context.Context, wantedID, galleryID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO found_galleries(wanted_id, gallery_id, create_date) VALUES(?, ?, ?)
		ON CONFLICT(wanted_id, gallery_id) DO NOTHING`, wantedID, galleryID, fmtTime(time.Now()))
	if err != nil {
		return false, dbErr("insert found gallery", err)
	}
	n, err := res.RowsAffected()
	return n > 0, dbErr("found gallery rows", err)
}

// FoundGalleries lists confirmed galleries of a wanted gallery in creation order.
func (s *Store) FoundGalleries(ctx context.Context, wantedID int64) ([]models.FoundGallery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, wanted_id, gallery_id, create_date FROM found_galleries
		WHERE wanted_id=? ORDER BY id`, wantedID)
	if err != nil {
		return nil, dbErr("query found galleries", err)
	}
	defer rows.Close()
	var out []models.FoundGallery
	for rows.Next() {
		var fg models.FoundGallery
		var created string
		if err := rows.Scan(&fg.ID, &fg.WantedID, &fg.GalleryID, &created); err != nil {
			return nil, dbErr("scan found gallery", err)
		}
		if fg.CreateDate, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, fg)
	}
	return out, dbErr("iterate found galleries", rows.Err())
}

// IsFound reports whether gallery is already confirmed for the wanted gallery.
func (s *Store) IsFound(ctx context.Context, wantedID, galleryID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM found_galleries WHERE wanted_id=? AND gallery_id=?`,
		wantedID, galleryID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dbErr("check found gallery", err)
	}
	return true, nil
}

// GetOrCreateGalleryMatch stages a candidate match. An existing row keeps its accuracy.
func (s *Store) GetOrCreateGalleryMatch(ctx context.Context, m models.GalleryMatch) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO gallery_matches(wanted_id, gallery_id, match_accuracy) VALUES(?, ?, ?)
		ON CONFLICT(wanted_id, gallery_id) DO NOTHING`, m.WantedID, m.GalleryID, m.Accuracy)
	if err != nil {
		return false, dbErr("insert gallery match", err)
	}
	n, err := res.RowsAffected()
	return n > 0, dbErr("gallery match rows", err)
}

// GalleryMatches lists candidate matches of a wanted gallery, best first.
func (s *Store) GalleryMatches(ctx context.Context, wantedID int64) ([]models.GalleryMatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT wanted_id, gallery_id, match_accuracy FROM gallery_matches
		WHERE wanted_id=? ORDER BY match_accuracy DESC, gallery_id`, wantedID)
	if err != nil {
		return nil, dbErr("query gallery matches", err)
	}
	defer rows.Close()
	var out []models.GalleryMatch
	for rows.Next() {
		var m models.GalleryMatch
		if err := rows.Scan(&m.WantedID, &m.GalleryID, &m.Accuracy); err != nil {
			return nil, dbErr("scan gallery match", err)
		}
		out = append(out, m)
	}
	return out, dbErr("iterate gallery matches", rows.Err())
}

// --- mentions ---

// GetOrCreateMention stores a mention unless an identical one exists.
func (s *Store) GetOrCreateMention(ctx context.Context, m *models.Mention) (bool, error) {
	release := ""
	if m.ReleaseDate != nil {
		release = fmtTime(*m.ReleaseDate)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO mentions(wanted_id, mention_date, release_date, type, source, comment, thumbnail_path)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wanted_id, mention_date, release_date, type, source) DO NOTHING`,
		m.WantedID, fmtTime(m.MentionDate), release, string(m.Type), m.Source, m.Comment, m.ThumbnailPath)
	if err != nil {
		return false, dbErr("insert mention", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr("mention rows", err)
	}
	if n > 0 {
		if id, idErr := res.LastInsertId(); idErr == nil {
			m.ID = id
		}
	}
	return n > 0, nil
}

// Mentions lists the mentions of a wanted gallery in insertion order.
func (s *Store) Mentions(ctx context.Context, wantedID int64) ([]models.Mention, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, wanted_id, mention_date, release_date, type, source, comment, thumbnail_path
		FROM mentions WHERE wanted_id=? ORDER BY id`, wantedID)
	if err != nil {
		return nil, dbErr("query mentions", err)
	}
	defer rows.Close()
	var out []models.Mention
	for rows.Next() {
		var m models.Mention
		var mentionDate, release, mType string
		if err := rows.Scan(&m.ID, &m.WantedID, &mentionDate, &release, &mType, &m.Source, &m.Comment, &m.ThumbnailPath); err != nil {
			return nil, dbErr("scan mention", err)
		}
		if m.MentionDate, err = parseTime(mentionDate); err != nil {
			return nil, err
		}
		if m.ReleaseDate, err = parseNullTime(sql.NullString{String: release, Valid: release != ""}); err != nil {
			return nil, err
		}
		m.Type = models.MentionType(mType)
		out = append(out, m)
	}
	return out, dbErr("iterate mentions", rows.Err())
}

// EnsureArtist get-or-creates an artist by name.
func (s *Store) EnsureArtist(ctx context.Context, a models.Artist) (int64, error) {
	return ensureArtist(ctx, s.db, a)
}

// WantedIDs returns every wanted gallery id in ascending order.
func (s *Store) WantedIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM wanted_galleries ORDER BY id`)
	if err != nil {
		return nil, dbErr("query wanted ids", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr("scan wanted id", err)
		}
		out = append(out, id)
	}
	return out, dbErr("iterate wanted ids", rows.Err())
}
