package queue

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func drain(q *TaskQueue) []Item {
	var out []Item
	for {
		it, ok := q.Next()
		if !ok {
			return out
		}
		out = append(out, it)
	}
}

func TestTaskQueueOrdering(t *testing.T) {
	q := New(testLogger())
	q.Push(Item{ArchiveID: 1, Task: "phash", Priority: 2})
	q.Push(Item{ArchiveID: 2, Task: "recalc", Priority: 0})
	q.Push(Item{ArchiveID: 3, Task: "thumbnail", Priority: 1})
	q.Push(Item{ArchiveID: 4, Task: "recalc", Priority: 0})

	var got []int64
	for _, it := range drain(q) {
		got = append(got, it.ArchiveID)
	}
	assert.Equal(t, []int64{2, 4, 3, 1}, got, "equal priorities keep push order")
}

func TestTaskQueueDeduplicatesPending(t *testing.T) {
	q := New(testLogger())
	assert.True(t, q.Push(Item{ArchiveID: 7, Task: "recalc"}))
	assert.False(t, q.Push(Item{ArchiveID: 7, Task: "recalc"}))
	assert.True(t, q.Push(Item{ArchiveID: 7, Task: "phash"}), "other task for the same archive")
	assert.Equal(t, 2, q.Len())

	it, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "recalc", it.Task)
	assert.True(t, q.Push(Item{ArchiveID: 7, Task: "recalc"}), "pushable again once taken")
}

func TestTaskQueueEmptyAndClosed(t *testing.T) {
	q := New(testLogger())
	_, ok := q.Next()
	assert.False(t, ok)

	q.Push(Item{ArchiveID: 1, Task: "recalc"})
	q.Close()
	assert.False(t, q.Push(Item{ArchiveID: 2, Task: "recalc"}))
	assert.Equal(t, 1, q.Len())

	_, ok = q.Next()
	assert.True(t, ok, "closed queue still drains")
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestTaskQueueConcurrent(t *testing.T) {
	q := New(testLogger())
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.Push(Item{ArchiveID: int64(id), Task: "recalc", Priority: id % 3})
			q.Push(Item{ArchiveID: int64(id), Task: "recalc", Priority: id % 3})
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, q.Len())

	var mu sync.Mutex
	seen := make(map[int64]int)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := q.Next()
				if !ok {
					return
				}
				mu.Lock()
				seen[it.ArchiveID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "archive %d", id)
	}
}
