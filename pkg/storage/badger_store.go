package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/log"
	"github.com/pandabackup/panda-match/pkg/utils"
)

const (
	hashKeyPrefix    = "hash:" // hash:<kind>:<id>:<algorithm> → hash value
	reverseKeyPrefix = "rev:"  // rev:<algorithm>:<value>:<kind>:<id> → empty
)

func hashKey(kind string, id int64, algorithm string) []byte {
	return []byte(hashKeyPrefix + kind + ":" + strconv.FormatInt(id, 10) + ":" + algorithm)
}

func entityPrefix(kind string, id int64) []byte {
	return []byte(hashKeyPrefix + kind + ":" + strconv.FormatInt(id, 10) + ":")
}

func reversePrefix(algorithm, value, kind string) []byte {
	return []byte(reverseKeyPrefix + algorithm + ":" + value + ":" + kind + ":")
}

func reverseKey(algorithm, value, kind string, id int64) []byte {
	return append(reversePrefix(algorithm, value, kind), strconv.FormatInt(id, 10)...)
}

var _ HashCache = (*BadgerStore)(nil)

// BadgerStore implements the HashCache interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Number of hash: keys, kept in step by Put and DeleteEntity
}

// NewBadgerStore opens the hash cache under dir, creating it if needed.
func NewBadgerStore(dir string, logger *logrus.Entry) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: hash cache dir %s: %w", utils.ErrFilesystem, dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(log.NewBadgerAdapter(logger.WithField("component", "badgerdb"))).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open hash cache %s: %w", utils.ErrDatabase, dir, err)
	}

	s := &BadgerStore{db: db, log: logger}
	n := 0
	if err := s.scanHashes(context.Background(), func(_, _, _, _ string) error { n++; return nil }); err != nil {
		logger.Warnf("Could not count cached hashes: %v", err)
	}
	s.keyCount.Store(int64(n))
	logger.WithFields(logrus.Fields{"dir": dir, "hashes": n}).Info("Hash cache opened")
	return s, nil
}

// scanHashes calls fn for every forward entry in key order.
func (s *BadgerStore) scanHashes(ctx context.Context, fn func(kind, id, algorithm, value string) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(hashKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			parts := strings.SplitN(string(bytes.TrimPrefix(item.Key(), []byte(hashKeyPrefix))), ":", 3)
			if len(parts) != 3 {
				s.log.Warnf("Skipping malformed hash key %q", item.Key())
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(parts[0], parts[1], parts[2], string(val)); err != nil {
				return err
			}
		}
		return nil
	})
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent workers hashing the same archive can touch the same reverse keys.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Get implements the HashCache interface
func (s *BadgerStore) Get(kind string, id int64, algorithm string) (string, bool, error) {
	key := hashKey(kind, id, algorithm)
	var value string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			found = true
			return nil
		})
	})
	if err != nil {
		s.log.Errorf("DB View error in Get for key '%s': %v", string(key), err)
		return "", false, fmt.Errorf("%w: getting hash key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return value, found, nil
}

// Put implements the HashCache interface
func (s *BadgerStore) Put(kind string, id int64, algorithm, value string) error {
	key := hashKey(kind, id, algorithm)

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		isNew = false
		item, errGet := txn.Get(key)
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
			isNew = true
		case errGet != nil:
			return errGet
		default:
			old, errVal := item.ValueCopy(nil)
			if errVal != nil {
				return errVal
			}
			if string(old) == value {
				return nil
			}
			if errDel := txn.Delete(reverseKey(algorithm, string(old), kind, id)); errDel != nil {
				return errDel
			}
		}
		if errSet := txn.SetEntry(badger.NewEntry(key, []byte(value))); errSet != nil {
			return errSet
		}
		return txn.SetEntry(badger.NewEntry(reverseKey(algorithm, value, kind, id), nil))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in Put: %v", err)
		return fmt.Errorf("%w: storing hash key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return nil
}

// ListByEntity implements the HashCache interface
func (s *BadgerStore) ListByEntity(kind string, id int64) (map[string]string, error) {
	prefix := entityPrefix(kind, id)
	out := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			algorithm := string(item.Key()[len(prefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[algorithm] = string(val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing hashes of %s %d: %w", utils.ErrDatabase, kind, id, err)
	}
	return out, nil
}

// Lookup implements the HashCache interface
func (s *BadgerStore) Lookup(kind, algorithm, value string) ([]int64, error) {
	prefix := reversePrefix(algorithm, value, kind)
	var ids []int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw := string(it.Item().Key()[len(prefix):])
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.log.Warnf("Skipping malformed reverse key '%s'", string(it.Item().Key()))
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: looking up %s hash '%s': %w", utils.ErrDatabase, algorithm, value, err)
	}
	return ids, nil
}

// DeleteEntity implements the HashCache interface
func (s *BadgerStore) DeleteEntity(kind string, id int64) error {
	prefix := entityPrefix(kind, id)
	removed := 0
	err := s.dbUpdate(func(txn *badger.Txn) error {
		removed = 0
		type pair struct{ key, reverse []byte }
		var doomed []pair

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			algorithm := string(key[len(prefix):])
			doomed = append(doomed, pair{key: key, reverse: reverseKey(algorithm, string(val), kind, id)})
		}
		it.Close()

		for _, p := range doomed {
			if err := txn.Delete(p.key); err != nil {
				return err
			}
			if err := txn.Delete(p.reverse); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: deleting hashes of %s %d: %w", utils.ErrDatabase, kind, id, err)
	}
	s.keyCount.Add(-int64(removed))
	return nil
}

// Count implements the HashCache interface.
func (s *BadgerStore) Count() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC rewrites value-log files that are at least half garbage, every
// interval (default 10m), until ctx is done.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.db.IsClosed() {
				return
			}
			rewrites := 0
			var err error
			for err == nil {
				if err = s.db.RunValueLogGC(0.5); err == nil {
					rewrites++
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("Hash cache GC failed: %v", err)
				continue
			}
			s.log.WithField("rewrites", rewrites).Debug("Hash cache GC done")
		}
	}
}

// WriteIndexLog dumps every cached hash as "kind id algorithm hash" lines.
func (s *BadgerStore) WriteIndexLog(ctx context.Context, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", utils.ErrFilesystem, filePath, err)
	}
	w := bufio.NewWriter(f)
	written := 0
	scanErr := s.scanHashes(ctx, func(kind, id, algorithm, value string) error {
		if _, err := fmt.Fprintf(w, "%s %s %s %s\n", kind, id, algorithm, value); err != nil {
			return fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, filePath, err)
		}
		written++
		return nil
	})
	flushErr := w.Flush()
	closeErr := f.Close()

	switch {
	case scanErr == nil:
	case errors.Is(scanErr, context.Canceled), errors.Is(scanErr, context.DeadlineExceeded), errors.Is(scanErr, utils.ErrFilesystem):
		return scanErr
	default:
		return fmt.Errorf("%w: read hash cache: %w", utils.ErrDatabase, scanErr)
	}
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, filePath, err)
	}
	s.log.Infof("Wrote %d hashes to %s", written, filePath)
	return nil
}

// Close closes the database. Closing twice is a no-op.
func (s *BadgerStore) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close hash cache: %w", utils.ErrDatabase, err)
	}
	return nil
}
