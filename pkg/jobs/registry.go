// Package jobs runs background work under named keys, at most one job per key.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/metrics"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether a job in this state has not been finished or cancelled.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Well-known job keys.
const (
	KeyWebMatch       = "web_match_worker"
	KeyMatchUnmatched = "match_unmatched_worker"
	KeyWebSearch      = "web_search_worker"
	KeyHash           = "hash_worker"
	KeyRecalc         = "recalc_worker"
	autoWantedPrefix  = "auto_wanted:"
)

// AutoWantedKey is the job key of a provider crawl.
func AutoWantedKey(provider string) string { return autoWantedPrefix + provider }

// Func is the body of a job. The returned value is kept as the job's result.
type Func func(ctx context.Context, job *Job) (any, error)

// Job is one run of a keyed background task
type Job struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Progress    string    `json:"progress,omitempty"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every job started in the process
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	byKey map[string]string // key -> id of the job whose function has not returned
	base  context.Context
	log   *logrus.Entry
}

// NewRegistry creates a registry whose jobs derive their context from base.
func NewRegistry(base context.Context, log *logrus.Entry) *Registry {
	return &Registry{
		jobs:  make(map[string]*Job),
		byKey: make(map[string]string),
		base:  base,
		log:   log.WithField("component", "jobs"),
	}
}

// Start runs fn in its own goroutine under key. Until the function of another job
// with the same key has returned, cancelled or not, the call is rejected with
// ErrJobRunning; nothing is queued.
func (r *Registry) Start(key string, fn Func) (*Job, error) {
	r.mu.Lock()
	if id, ok := r.byKey[key]; ok {
		snap := r.snapshot(r.jobs[id])
		r.mu.Unlock()
		metrics.JobsRejected.WithLabelValues(key).Inc()
		return snap, fmt.Errorf("%w: %s (job %s)", utils.ErrJobRunning, key, id)
	}

	ctx, cancel := context.WithCancel(r.base)
	job := &Job{
		ID:        uuid.New().String(),
		Key:       key,
		Status:    StatusPending,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.jobs[job.ID] = job
	r.byKey[key] = job.ID
	snap := r.snapshot(job)
	r.mu.Unlock()

	go r.run(ctx, job, fn)
	return snap, nil
}

func (r *Registry) run(ctx context.Context, job *Job, fn Func) {
	log := r.log.WithFields(logrus.Fields{"job": job.Key, "job_id": job.ID})
	defer close(job.done)
	defer r.release(job)
	defer job.cancel()

	r.setStatus(job.ID, StatusRunning, "")
	log.Info("Job started")

	result, err := func() (res any, err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("Job panicked: %v\n%s", p, debug.Stack())
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn(ctx, job)
	}()

	r.mu.Lock()
	job.Result = result
	r.mu.Unlock()

	switch {
	case err == nil:
		r.setStatus(job.ID, StatusCompleted, "")
		log.Info("Job completed")
	case ctx.Err() != nil:
		r.setStatus(job.ID, StatusCancelled, err.Error())
		log.Warnf("Job cancelled: %v", err)
	default:
		r.setStatus(job.ID, StatusFailed, err.Error())
		log.Errorf("Job failed [%s]: %v", utils.CategorizeError(err), err)
	}
}

func (r *Registry) setStatus(id string, status Status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || (job.Status == StatusCancelled && status != StatusCancelled) {
		return
	}
	job.Status = status
	if !status.Active() {
		if job.CompletedAt.IsZero() {
			job.CompletedAt = time.Now()
		}
	}
	if errMsg != "" {
		job.Error = errMsg
	}
}

// release frees the job's key once its function has returned.
func (r *Registry) release(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byKey[job.Key] == job.ID {
		delete(r.byKey, job.Key)
	}
}

// SetProgress records a free-form progress line for a job.
func (r *Registry) SetProgress(id, progress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Progress = progress
	}
}

// Get returns a copy of the job with id, or nil.
func (r *Registry) Get(id string) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if job, ok := r.jobs[id]; ok {
		return r.snapshot(job)
	}
	return nil
}

// IsRunning reports whether the function of a job under key has not returned yet.
func (r *Registry) IsRunning(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[key]
	return ok
}

// Cancel cancels an active job. The job turns cancelled right away; its function
// sees a cancelled context and keeps the key until it returns.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || !job.Status.Active() {
		return false
	}
	job.cancel()
	job.Status = StatusCancelled
	job.CompletedAt = time.Now()
	return true
}

// CancelAll cancels every active job.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.Status.Active() {
			job.cancel()
			job.Status = StatusCancelled
			job.CompletedAt = time.Now()
		}
	}
}

// List returns copies of all jobs, newest first.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, r.snapshot(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Wait blocks until the job's function has returned or ctx is done, then returns
// the job's final copy.
func (r *Registry) Wait(ctx context.Context, id string) (*Job, error) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", utils.ErrNotFound, id)
	}
	select {
	case <-job.done:
		return r.Get(id), nil
	case <-ctx.Done():
		return r.Get(id), ctx.Err()
	}
}

// snapshot copies the exported fields; callers hold the lock or own the job.
func (r *Registry) snapshot(job *Job) *Job {
	return &Job{
		ID:          job.ID,
		Key:         job.Key,
		Status:      job.Status,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Progress:    job.Progress,
		Result:      job.Result,
		Error:       job.Error,
	}
}
