// Package storage caches content hashes of archives, pages and gallery
// thumbnails, with a reverse index from hash value to entity.
package storage

import (
	"context"
	"time"
)

// Entities are addressed by kind (models.EntityArchive, EntityImage,
// EntityGallery) and their catalog id. Each carries at most one hash per
// algorithm.

// HashReader answers cached-hash questions.
type HashReader interface {
	Get(kind string, id int64, algorithm string) (hash string, found bool, err error)
	// ListByEntity maps algorithm to hash for one entity.
	ListByEntity(kind string, id int64) (map[string]string, error)
	// Lookup returns the ids of kind whose algorithm hash equals value.
	Lookup(kind, algorithm, value string) ([]int64, error)
}

// HashWriter stores hashes. Implementations keep the reverse index consistent
// with the forward entries in the same transaction.
type HashWriter interface {
	Put(kind string, id int64, algorithm, value string) error
	DeleteEntity(kind string, id int64) error
}

// Maintenance covers the cache's lifecycle.
type Maintenance interface {
	Count() (int, error)
	// WriteIndexLog dumps one "kind id algorithm hash" line per entry.
	WriteIndexLog(ctx context.Context, filePath string) error
	// RunGC blocks, collecting value-log garbage every interval until ctx ends.
	RunGC(ctx context.Context, interval time.Duration)
	Close() error
}

type HashCache interface {
	HashReader
	HashWriter
	Maintenance
}
