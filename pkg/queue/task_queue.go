// Package queue holds pending per-archive work ordered by task priority.
package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"
)

// Item asks for Task to run on one archive. Lower Priority runs first; equal
// priorities run in the order they were pushed.
type Item struct {
	ArchiveID int64
	Task      string
	Priority  int
}

type itemKey struct {
	archive int64
	task    string
}

type entry struct {
	Item
	seq uint64
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// TaskQueue is a concurrency safe queue of archive tasks. An archive/task pair
// is held at most once while pending; pushing it again is a no-op.
type TaskQueue struct {
	mu      sync.Mutex
	heap    entryHeap
	pending map[itemKey]struct{}
	seq     uint64
	closed  bool
	log     *logrus.Entry
}

func New(log *logrus.Entry) *TaskQueue {
	return &TaskQueue{pending: make(map[itemKey]struct{}), log: log}
}

// Push queues it and reports whether it was added. Duplicates of a pending
// item and pushes after Close are dropped.
func (q *TaskQueue) Push(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.Warnf("Queue closed, dropping %s for archive %d", it.Task, it.ArchiveID)
		return false
	}
	k := itemKey{it.ArchiveID, it.Task}
	if _, dup := q.pending[k]; dup {
		return false
	}
	q.pending[k] = struct{}{}
	q.seq++
	heap.Push(&q.heap, entry{Item: it, seq: q.seq})
	return true
}

// Next removes and returns the first item, or false when the queue is empty.
// Once popped, the same archive/task pair may be pushed again.
func (q *TaskQueue) Next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Item{}, false
	}
	e := heap.Pop(&q.heap).(entry)
	delete(q.pending, itemKey{e.ArchiveID, e.Task})
	return e.Item, true
}

// Close rejects further pushes. Queued items can still be taken.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
