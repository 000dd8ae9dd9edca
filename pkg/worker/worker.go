// Package worker drains queued archive tasks with a fixed pool of goroutines.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pandabackup/panda-match/pkg/metrics"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/queue"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Task is one kind of per-archive work.
type Task interface {
	Name() string
	Run(ctx context.Context, a *models.Archive) error
}

// ArchiveGetter loads the archive a queued item points at.
type ArchiveGetter interface {
	GetArchive(ctx context.Context, id int64) (*models.Archive, error)
}

// Report counts what a Run did.
type Report struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// ArchiveWorker runs registered tasks for queued archives.
type ArchiveWorker struct {
	store   ArchiveGetter
	queue   *queue.TaskQueue
	tasks   map[string]Task
	rank    map[string]int
	workers int
	log     *logrus.Entry
}

// New creates a worker pool of size workers (at least one).
func New(store ArchiveGetter, workers int, log *logrus.Entry) *ArchiveWorker {
	if workers <= 0 {
		workers = 1
	}
	log = log.WithField("component", "archive_worker")
	return &ArchiveWorker{
		store:   store,
		queue:   queue.New(log),
		tasks:   make(map[string]Task),
		rank:    make(map[string]int),
		workers: workers,
		log:     log,
	}
}

// Register makes a task available to Enqueue. Tasks registered earlier run
// before later ones, so register recalc ahead of tasks that read its output.
func (w *ArchiveWorker) Register(t Task) {
	if _, ok := w.rank[t.Name()]; !ok {
		w.rank[t.Name()] = len(w.rank)
	}
	w.tasks[t.Name()] = t
}

// Enqueue adds task for every archive id, in order. An archive already queued
// for the same task is not queued twice.
func (w *ArchiveWorker) Enqueue(task string, archiveIDs ...int64) error {
	if _, ok := w.tasks[task]; !ok {
		return fmt.Errorf("%w: worker task '%s'", utils.ErrNotFound, task)
	}
	for _, id := range archiveIDs {
		w.queue.Push(queue.Item{ArchiveID: id, Task: task, Priority: w.rank[task]})
	}
	return nil
}

// Pending returns the number of queued items.
func (w *ArchiveWorker) Pending() int { return w.queue.Len() }

// Run drains the queue with the worker pool and returns when it is empty or ctx
// is cancelled. Failed items are logged and counted, never retried.
func (w *ArchiveWorker) Run(ctx context.Context) (Report, error) {
	var processed, failed atomic.Int64
	start := time.Now()
	pending := w.queue.Len()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		workerLog := w.log.WithField("worker_id", i)
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				item, ok := w.queue.Next()
				if !ok {
					return nil
				}
				if err := w.process(gctx, item, workerLog); err != nil {
					failed.Add(1)
					continue
				}
				processed.Add(1)
			}
		})
	}
	err := g.Wait()

	report := Report{Processed: processed.Load(), Failed: failed.Load()}
	w.log.WithFields(logrus.Fields{
		"queued":    pending,
		"processed": report.Processed,
		"failed":    report.Failed,
		"duration":  time.Since(start).String(),
	}).Info("Archive worker finished")
	return report, err
}

func (w *ArchiveWorker) process(ctx context.Context, item queue.Item, workerLog *logrus.Entry) (err error) {
	taskLog := workerLog.WithFields(logrus.Fields{"archive_id": item.ArchiveID, "task": item.Task})
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			taskLog.WithField("stack_trace", string(debug.Stack())).Error("PANIC recovered in archive task")
		}
		if err != nil {
			metrics.WorkerTaskFailures.WithLabelValues(item.Task).Inc()
			taskLog.WithField("category", utils.CategorizeError(err)).Warnf("Task failed: %v", err)
		}
	}()

	a, err := w.store.GetArchive(ctx, item.ArchiveID)
	if err != nil {
		return err
	}
	return w.tasks[item.Task].Run(ctx, a)
}
