// Package watch runs auto-wanted crawls and matching passes on cron schedules.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Runner performs one scheduled run and returns how many items it handled.
type Runner func(ctx context.Context) (int64, error)

type task struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      Runner
}

// Scheduler fires registered runners on their schedules and records each outcome
// in watch_state.json.
type Scheduler struct {
	cron         *cron.Cron
	tasks        map[string]*task
	stateManager *StateManager
	log          *logrus.Entry

	ctx context.Context
	wg  sync.WaitGroup
}

// NewScheduler creates a scheduler keeping its state under stateDir.
func NewScheduler(stateDir string, log *logrus.Entry) *Scheduler {
	log = log.WithField("component", "watch")
	cronLog := cron.PrintfLogger(log)
	return &Scheduler{
		cron:         cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		tasks:        make(map[string]*task),
		stateManager: NewStateManager(stateDir),
		log:          log,
		ctx:          context.Background(),
	}
}

// ScheduleSpec turns a configured schedule into a cron spec. Cron expressions and
// @descriptors pass through; plain intervals ("30m", "6h", "1d") become @every.
func ScheduleSpec(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty schedule", utils.ErrConfigValidation)
	}
	if strings.HasPrefix(s, "@") || strings.Contains(s, " ") {
		if _, err := cron.ParseStandard(s); err != nil {
			return "", fmt.Errorf("%w: schedule '%s': %w", utils.ErrConfigValidation, s, err)
		}
		return s, nil
	}
	d, err := ParseInterval(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	if d <= 0 {
		return "", fmt.Errorf("%w: schedule '%s' must be positive", utils.ErrConfigValidation, s)
	}
	return "@every " + d.String(), nil
}

// Add registers run under name with a cron spec or interval.
func (s *Scheduler) Add(name, schedule string, run Runner) error {
	spec, err := ScheduleSpec(schedule)
	if err != nil {
		return fmt.Errorf("watch job '%s': %w", name, err)
	}
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: watch job '%s': %w", utils.ErrConfigValidation, name, err)
	}
	t := &task{name: name, spec: spec, schedule: parsed, run: run}
	s.cron.Schedule(parsed, cron.FuncJob(func() { s.fire(t) }))
	s.tasks[name] = t
	return nil
}

// Run loads state, runs overdue jobs at once, then fires jobs on schedule until
// ctx is cancelled. It waits for in-flight runs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return fmt.Errorf("%w: no watch schedules configured", utils.ErrConfigValidation)
	}
	s.ctx = ctx
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode for %d jobs", len(s.tasks))
	s.logSchedule()

	now := time.Now()
	for _, name := range s.names() {
		t := s.tasks[name]
		if s.stateManager.Due(name, t.schedule, now) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.fire(t)
			}()
		}
	}

	s.cron.Start()
	<-ctx.Done()
	s.log.Info("Watch scheduler shutting down...")
	<-s.cron.Stop().Done()
	s.wg.Wait()
	return nil
}

// fire runs one task and records the outcome. A run rejected because the job is
// already in flight is logged and not recorded.
func (s *Scheduler) fire(t *task) {
	if s.ctx.Err() != nil {
		return
	}
	log := s.log.WithField("job", t.name)
	start := time.Now()
	count, err := t.run(s.ctx)
	if errors.Is(err, utils.ErrJobRunning) {
		log.Info("Job still running, skipping this run")
		return
	}

	st := s.stateManager.Record(t.name, time.Now(), count, err)
	if err != nil {
		log.WithField("failures", st.ConsecutiveFailures).Errorf("Scheduled run failed [%s]: %v", utils.CategorizeError(err), err)
	} else {
		log.Infof("Scheduled run finished in %v, %d items", time.Since(start).Round(time.Millisecond), count)
	}
	if saveErr := s.stateManager.Save(); saveErr != nil {
		log.Errorf("Failed to save watch state: %v", saveErr)
	}
	s.logNextRun()
}

func (s *Scheduler) names() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// logSchedule logs the current schedule
func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	for _, name := range s.names() {
		t := s.tasks[name]
		state, exists := s.stateManager.Get(name)
		if !exists {
			s.log.Infof("  %s (%s): never run, will run immediately", name, t.spec)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = fmt.Sprintf("failed %d in a row", state.ConsecutiveFailures)
		}
		s.log.Infof("  %s (%s): last run %v (%s, %d items), next run %v",
			name, t.spec,
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.Items,
			t.schedule.Next(state.LastRunTime).Format(time.RFC3339))
	}
}

// logNextRun logs when the next run will occur
func (s *Scheduler) logNextRun() {
	status := s.GetStatus()
	var next *JobStatus
	for _, st := range status {
		if next == nil || st.NextRunTime.Before(next.NextRunTime) {
			next = &st
		}
	}
	if next == nil {
		return
	}
	until := time.Until(next.NextRunTime)
	if until < 0 {
		until = 0
	}
	s.log.Infof("Next run: %s in %v (at %s)", next.Name, until.Round(time.Second), next.NextRunTime.Format("15:04:05"))
}

// JobStatus contains the status of a scheduled job
type JobStatus struct {
	Name                string    `json:"name"`
	Spec                string    `json:"spec"`
	LastRunTime         time.Time `json:"last_run_time"`
	LastRunSuccess      bool      `json:"last_run_success"`
	LastSuccessTime     time.Time `json:"last_success_time"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Items               int64     `json:"items"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	NextRunTime         time.Time `json:"next_run_time"`
	NeverRun            bool      `json:"never_run"`
}

// GetStatus returns the status of every scheduled job, ordered by name.
func (s *Scheduler) GetStatus() []JobStatus {
	now := time.Now()
	out := make([]JobStatus, 0, len(s.tasks))
	for _, name := range s.names() {
		t := s.tasks[name]
		state, exists := s.stateManager.Get(name)
		next := now
		if exists {
			next = t.schedule.Next(state.LastRunTime)
		}
		out = append(out, JobStatus{
			Name:                name,
			Spec:                t.spec,
			LastRunTime:         state.LastRunTime,
			LastRunSuccess:      state.LastRunSuccess,
			LastSuccessTime:     state.LastSuccessTime,
			ConsecutiveFailures: state.ConsecutiveFailures,
			Items:               state.Items,
			ErrorMessage:        state.ErrorMessage,
			NextRunTime:         next,
			NeverRun:            !exists,
		})
	}
	return out
}

// JobRunner runs fn as a registry job under key and waits for it. The job's
// result is counted when it is an int64 or int.
func JobRunner(registry *jobs.Registry, key string, fn jobs.Func) Runner {
	return func(ctx context.Context) (int64, error) {
		job, err := registry.Start(key, fn)
		if err != nil {
			return 0, err
		}
		done, err := registry.Wait(ctx, job.ID)
		if err != nil {
			registry.Cancel(job.ID)
			return 0, err
		}
		var count int64
		switch v := done.Result.(type) {
		case int64:
			count = v
		case int:
			count = int64(v)
		}
		if done.Status != jobs.StatusCompleted {
			return count, fmt.Errorf("job %s %s: %s", key, done.Status, done.Error)
		}
		return count, nil
	}
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string with support for days
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
}
