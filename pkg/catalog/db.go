package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/pandabackup/panda-match/pkg/utils"
)

// Store is the SQLite backed catalog of galleries, archives, wanted galleries and
// the rows that link them.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating if needed) the catalog database at path and migrates it.
func Open(path string, logger *logrus.Entry) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating catalog directory '%s': %w", utils.ErrFilesystem, dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening catalog: %w", utils.ErrDatabase, err)
	}
	// A single connection serializes writers, so get-or-create transactions are first-inserted-wins.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging catalog: %w", utils.ErrDatabase, err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrating catalog: %w", utils.ErrDatabase, err)
	}
	logger.WithField("path", path).Debug("Catalog opened")
	return &Store{db: db, log: logger}, nil
}

// New wraps an existing handle without migrating it.
func New(db *sql.DB, logger *logrus.Entry) *Store {
	return &Store{db: db, log: logger}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing catalog: %w", utils.ErrDatabase, err)
	}
	return nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			UNIQUE(scope, name)
		);`,
		`CREATE TABLE IF NOT EXISTS galleries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL,
			provider TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			title_jpn TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			filecount INTEGER NOT NULL DEFAULT 0,
			filesize INTEGER NOT NULL DEFAULT 0,
			posted TEXT,
			status TEXT NOT NULL DEFAULT 'normal',
			origin TEXT NOT NULL DEFAULT 'normal',
			public INTEGER NOT NULL DEFAULT 0,
			hidden INTEGER NOT NULL DEFAULT 0,
			link TEXT NOT NULL DEFAULT '',
			thumbnail_url TEXT NOT NULL DEFAULT '',
			thumbnail_path TEXT NOT NULL DEFAULT '',
			create_date TEXT NOT NULL,
			UNIQUE(gid, provider)
		);`,
		`CREATE TABLE IF NOT EXISTS gallery_tags (
			gallery_id INTEGER NOT NULL,
			tag_id INTEGER NOT NULL,
			PRIMARY KEY (gallery_id, tag_id),
			FOREIGN KEY (gallery_id) REFERENCES galleries(id) ON DELETE CASCADE,
			FOREIGN KEY (tag_id) REFERENCES tags(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS archives (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			crc32 TEXT NOT NULL DEFAULT '',
			filesize INTEGER NOT NULL DEFAULT 0,
			filecount INTEGER NOT NULL DEFAULT 0,
			match_type TEXT NOT NULL DEFAULT 'non-match',
			gallery_id INTEGER,
			public INTEGER NOT NULL DEFAULT 0,
			thumbnail_path TEXT NOT NULL DEFAULT '',
			create_date TEXT NOT NULL,
			FOREIGN KEY (gallery_id) REFERENCES galleries(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			archive_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			sha1 TEXT NOT NULL DEFAULT '',
			UNIQUE(archive_id, position),
			FOREIGN KEY (archive_id) REFERENCES archives(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS archive_matches (
			archive_id INTEGER NOT NULL,
			gallery_id INTEGER NOT NULL,
			match_type TEXT NOT NULL,
			match_accuracy REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (archive_id, gallery_id, match_type),
			FOREIGN KEY (archive_id) REFERENCES archives(id) ON DELETE CASCADE,
			FOREIGN KEY (gallery_id) REFERENCES galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS artists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			name_jpn TEXT NOT NULL DEFAULT '',
			twitter_handle TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS wanted_galleries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL DEFAULT '',
			title_jpn TEXT NOT NULL DEFAULT '',
			search_title TEXT NOT NULL DEFAULT '',
			unwanted_title TEXT NOT NULL DEFAULT '',
			regexp_search_title INTEGER NOT NULL DEFAULT 0,
			regexp_search_title_icase INTEGER NOT NULL DEFAULT 0,
			regexp_unwanted_title INTEGER NOT NULL DEFAULT 0,
			regexp_unwanted_title_icase INTEGER NOT NULL DEFAULT 0,
			wanted_tags_exclusive_scope INTEGER NOT NULL DEFAULT 0,
			exclusive_scope_name TEXT NOT NULL DEFAULT '',
			wanted_tags_accept_if_none_scope TEXT NOT NULL DEFAULT '',
			wanted_page_count_lower INTEGER NOT NULL DEFAULT 0,
			wanted_page_count_upper INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			wait_for_time INTEGER NOT NULL DEFAULT 0,
			should_search INTEGER NOT NULL DEFAULT 0,
			keep_searching INTEGER NOT NULL DEFAULT 0,
			found INTEGER NOT NULL DEFAULT 0,
			date_found TEXT,
			release_date TEXT,
			restricted_to_links INTEGER NOT NULL DEFAULT 0,
			notify_when_found INTEGER NOT NULL DEFAULT 0,
			public INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			book_type TEXT NOT NULL DEFAULT '',
			publisher TEXT NOT NULL DEFAULT '',
			page_count INTEGER NOT NULL DEFAULT 0,
			create_date TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS wanted_tags (
			wanted_id INTEGER NOT NULL,
			tag_id INTEGER NOT NULL,
			PRIMARY KEY (wanted_id, tag_id),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS unwanted_tags (
			wanted_id INTEGER NOT NULL,
			tag_id INTEGER NOT NULL,
			PRIMARY KEY (wanted_id, tag_id),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS wanted_providers (
			wanted_id INTEGER NOT NULL,
			slug TEXT NOT NULL,
			PRIMARY KEY (wanted_id, slug),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS unwanted_providers (
			wanted_id INTEGER NOT NULL,
			slug TEXT NOT NULL,
			PRIMARY KEY (wanted_id, slug),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS wanted_categories (
			wanted_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (wanted_id, name),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS wanted_artists (
			wanted_id INTEGER NOT NULL,
			artist_id INTEGER NOT NULL,
			PRIMARY KEY (wanted_id, artist_id),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE,
			FOREIGN KEY (artist_id) REFERENCES artists(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS gallery_matches (
			wanted_id INTEGER NOT NULL,
			gallery_id INTEGER NOT NULL,
			match_accuracy REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (wanted_id, gallery_id),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE,
			FOREIGN KEY (gallery_id) REFERENCES galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS found_galleries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			wanted_id INTEGER NOT NULL,
			gallery_id INTEGER NOT NULL,
			create_date TEXT NOT NULL,
			UNIQUE(wanted_id, gallery_id),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE,
			FOREIGN KEY (gallery_id) REFERENCES galleries(id) ON DELETE CASCADE
		);`,
		// release_date uses '' for "unknown" so the unique key treats missing dates as equal.
		`CREATE TABLE IF NOT EXISTS mentions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			wanted_id INTEGER NOT NULL,
			mention_date TEXT NOT NULL,
			release_date TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			thumbnail_path TEXT NOT NULL DEFAULT '',
			UNIQUE(wanted_id, mention_date, release_date, type, source),
			FOREIGN KEY (wanted_id) REFERENCES wanted_galleries(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS attributes (
			provider TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'str',
			value TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (provider, name)
		);`,
		`CREATE TABLE IF NOT EXISTS processed_links (
			source_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			link_date TEXT,
			content TEXT NOT NULL DEFAULT '',
			create_date TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_galleries_status_provider ON galleries(status, provider);`,
		`CREATE INDEX IF NOT EXISTS idx_galleries_filesize ON galleries(filesize);`,
		`CREATE INDEX IF NOT EXISTS idx_archives_match_type ON archives(match_type);`,
		`CREATE INDEX IF NOT EXISTS idx_wanted_lookup_title ON wanted_galleries(title, search_title);`,
		`CREATE INDEX IF NOT EXISTS idx_wanted_lookup_title_jpn ON wanted_galleries(title_jpn, search_title);`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_wanted ON mentions(wanted_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- scanning helpers ---

// Times are stored as fixed-width RFC 3339 text in UTC so they compare as strings.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: stored date '%s': %w", utils.ErrParsing, s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", utils.ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: %w", utils.ErrDatabase, op, err)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit transaction", err)
	}
	return nil
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
