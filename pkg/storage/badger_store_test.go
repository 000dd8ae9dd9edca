package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewBadgerStore(t *testing.T) {
	t.Run("fresh store is empty", func(t *testing.T) {
		store := newTestStore(t)
		count, err := store.Count()
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("reopen keeps hashes and count", func(t *testing.T) {
		dir := t.TempDir()
		store1, err := NewBadgerStore(dir, testLogger())
		require.NoError(t, err)
		require.NoError(t, store1.Put("archive", 1, "phash", "ff00"))
		require.NoError(t, store1.Put("archive", 1, "sha1", "abc"))
		require.NoError(t, store1.Close())

		store2, err := NewBadgerStore(dir, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store2.Close() })

		count, err := store2.Count()
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		value, found, err := store2.Get("archive", 1, "phash")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "ff00", value)
	})
}

func TestGetPut(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.Get("image", 7, "phash")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put("image", 7, "phash", "aaaa"))
	value, found, err := store.Get("image", 7, "phash")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "aaaa", value)

	t.Run("overwrite moves the reverse entry", func(t *testing.T) {
		require.NoError(t, store.Put("image", 7, "phash", "bbbb"))

		ids, err := store.Lookup("image", "phash", "aaaa")
		require.NoError(t, err)
		assert.Empty(t, ids)
		ids, err = store.Lookup("image", "phash", "bbbb")
		require.NoError(t, err)
		assert.Equal(t, []int64{7}, ids)

		count, err := store.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("same value is a no-op", func(t *testing.T) {
		require.NoError(t, store.Put("image", 7, "phash", "bbbb"))
		count, err := store.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestLookup(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("gallery", 1, "phash", "cafe"))
	require.NoError(t, store.Put("gallery", 12, "phash", "cafe"))
	require.NoError(t, store.Put("gallery", 2, "phash", "beef"))
	require.NoError(t, store.Put("image", 1, "phash", "cafe"))
	require.NoError(t, store.Put("gallery", 3, "sha1", "cafe"))

	tests := []struct {
		name            string
		kind, alg, hash string
		want            []int64
	}{
		{"shared hash", "gallery", "phash", "cafe", []int64{1, 12}},
		{"single", "gallery", "phash", "beef", []int64{2}},
		{"other kind", "image", "phash", "cafe", []int64{1}},
		{"other algorithm", "gallery", "sha1", "cafe", []int64{3}},
		{"prefix of a hash does not match", "gallery", "phash", "caf", nil},
		{"missing", "archive", "phash", "cafe", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := store.Lookup(tt.kind, tt.alg, tt.hash)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestListByEntity(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("archive", 1, "phash", "p1"))
	require.NoError(t, store.Put("archive", 1, "crc32", "C1"))
	require.NoError(t, store.Put("archive", 10, "phash", "p10"))

	hashes, err := store.ListByEntity("archive", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"phash": "p1", "crc32": "C1"}, hashes)

	hashes, err = store.ListByEntity("archive", 99)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestDeleteEntity(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("archive", 1, "phash", "p1"))
	require.NoError(t, store.Put("archive", 1, "sha1", "s1"))
	require.NoError(t, store.Put("archive", 2, "phash", "p1"))

	require.NoError(t, store.DeleteEntity("archive", 1))

	hashes, err := store.ListByEntity("archive", 1)
	require.NoError(t, err)
	assert.Empty(t, hashes)
	ids, err := store.Lookup("archive", "phash", "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentPuts(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, store.Put("image", id, "phash", "same"))
		}(int64(i))
	}
	wg.Wait()

	ids, err := store.Lookup("image", "phash", "same")
	require.NoError(t, err)
	assert.Len(t, ids, 20)
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestWriteIndexLog(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("archive", 1, "phash", "p1"))
	require.NoError(t, store.Put("gallery", 5, "sha1", "s5"))

	path := filepath.Join(t.TempDir(), "hashes.txt")
	require.NoError(t, store.WriteIndexLog(context.Background(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.ElementsMatch(t, []string{"archive 1 phash p1", "gallery 5 sha1 s5"}, lines)

	t.Run("cancelled context stops the scan", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := store.WriteIndexLog(ctx, filepath.Join(t.TempDir(), "x.txt"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunGCStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunGC(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunGC did not stop after cancel")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
