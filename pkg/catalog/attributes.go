package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pandabackup/panda-match/pkg/models"
)

// GetAttribute reads one provider attribute. found is false when it does not exist.
func (s *Store) GetAttribute(ctx context.Context, provider, name string) (attr models.Attribute, found bool, err error) {
	var kind string
	err = s.db.QueryRowContext(ctx, `SELECT provider, name, kind, value FROM attributes WHERE provider=? AND name=?`,
		provider, name).Scan(&attr.Provider, &attr.Name, &kind, &attr.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Attribute{}, false, nil
	}
	if err != nil {
		return models.Attribute{}, false, dbErr("get attribute", err)
	}
	attr.Kind = models.AttributeKind(kind)
	return attr, true, nil
}

// SetAttribute creates or overwrites a provider attribute.
func (s *Store) SetAttribute(ctx context.Context, attr models.Attribute) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO attributes(provider, name, kind, value, updated_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(provider, name) DO UPDATE SET kind=excluded.kind, value=excluded.value, updated_at=excluded.updated_at`,
		attr.Provider, attr.Name, string(attr.Kind), attr.Value, fmtTime(time.Now()))
	return dbErr("set attribute", err)
}

// GetOrCreateAttribute returns the stored attribute, inserting def when absent.
func (s *Store) GetOrCreateAttribute(ctx context.Context, def models.Attribute) (models.Attribute, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO attributes(provider, name, kind, value, updated_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(provider, name) DO NOTHING`,
		def.Provider, def.Name, string(def.Kind), def.Value, fmtTime(time.Now()))
	if err != nil {
		return models.Attribute{}, dbErr("create attribute", err)
	}
	attr, _, err := s.GetAttribute(ctx, def.Provider, def.Name)
	return attr, err
}

// AttributesWithPrefix lists a provider's attributes whose name starts with prefix.
func (s *Store) AttributesWithPrefix(ctx context.Context, provider, prefix string) ([]models.Attribute, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, name, kind, value FROM attributes
		WHERE provider=? AND substr(name, 1, ?)=? ORDER BY name`, provider, len(prefix), prefix)
	if err != nil {
		return nil, dbErr("query attributes", err)
	}
	defer rows.Close()
	var out []models.Attribute
	for rows.Next() {
		var a models.Attribute
		var kind string
		if err := rows.Scan(&a.Provider, &a.Name, &kind, &a.Value); err != nil {
			return nil, dbErr("scan attribute", err)
		}
		a.Kind = models.AttributeKind(kind)
		out = append(out, a)
	}
	return out, dbErr("iterate attributes", rows.Err())
}

// ProcessedSourceIDs reports which of ids were already consumed for provider.
func (s *Store) ProcessedSourceIDs(ctx context.Context, provider string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := []any{provider}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT source_id FROM processed_links WHERE provider=? AND source_id IN (`+
		placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, dbErr("query processed links", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr("scan processed link", err)
		}
		out[id] = true
	}
	return out, dbErr("iterate processed links", rows.Err())
}

// CreateProcessedLink records a consumed feed post. created is false when the
// source id was already stored.
func (s *Store) CreateProcessedLink(ctx context.Context, l models.ProcessedLink) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO processed_links(source_id, provider, url, title, link_date, content, create_date)
		VALUES(?, ?, ?, ?, ?, ?, ?) ON CONFLICT(source_id) DO NOTHING`,
		l.SourceID, l.Provider, l.URL, l.Title, nullTime(l.LinkDate), l.Content, fmtTime(time.Now()))
	if err != nil {
		return false, dbErr("insert processed link", err)
	}
	n, err := res.RowsAffected()
	return n > 0, dbErr("processed link rows", err)
}
