package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pandabackup/panda-match/pkg/utils"
)

const (
	stateFileName = "watch_state.json"
	stateVersion  = 1
)

// JobState is the recorded outcome of a job's most recent run.
type JobState struct {
	LastRunTime         time.Time `json:"last_run_time"`
	LastRunSuccess      bool      `json:"last_run_success"`
	LastSuccessTime     time.Time `json:"last_success_time,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	Items               int64     `json:"items"`
	ErrorMessage        string    `json:"error_message,omitempty"`
}

type stateFile struct {
	Version   int                 `json:"version"`
	Jobs      map[string]JobState `json:"jobs"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// StateManager keeps per-job run history in watch_state.json so a restarted
// watcher knows which jobs are overdue.
type StateManager struct {
	path string

	mu   sync.RWMutex
	jobs map[string]JobState
}

func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		path: filepath.Join(stateDir, stateFileName),
		jobs: make(map[string]JobState),
	}
}

// Load replaces the in-memory history with the file's. A missing file leaves
// the history empty.
func (m *StateManager) Load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.mu.Lock()
		m.jobs = make(map[string]JobState)
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", utils.ErrFilesystem, m.path, err)
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("%w: %s: %w", utils.ErrParsing, m.path, err)
	}
	if sf.Jobs == nil {
		sf.Jobs = make(map[string]JobState)
	}

	m.mu.Lock()
	m.jobs = sf.Jobs
	m.mu.Unlock()
	return nil
}

func (m *StateManager) Save() error {
	m.mu.RLock()
	sf := stateFile{Version: stateVersion, Jobs: m.jobs, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(sf, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode watch state: %w", err)
	}
	return writeFileAtomic(m.path, data)
}

// writeFileAtomic writes through a temp file in the same directory so readers
// never see a half-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", utils.ErrFilesystem, dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: replace %s: %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

func (m *StateManager) Get(name string) (JobState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.jobs[name]
	return st, ok
}

// Record stores the outcome of a run that finished at the given time. A failed
// run keeps the previous success time and extends the failure streak.
func (m *StateManager) Record(name string, at time.Time, items int64, runErr error) JobState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.jobs[name]
	st.LastRunTime = at
	st.Items = items
	if runErr != nil {
		st.LastRunSuccess = false
		st.ErrorMessage = runErr.Error()
		st.ConsecutiveFailures++
	} else {
		st.LastRunSuccess = true
		st.LastSuccessTime = at
		st.ErrorMessage = ""
		st.ConsecutiveFailures = 0
	}
	m.jobs[name] = st
	return st
}

// Due reports whether name has never run or its next fire time after the last
// run is not after now.
func (m *StateManager) Due(name string, schedule cron.Schedule, now time.Time) bool {
	st, ok := m.Get(name)
	if !ok {
		return true
	}
	return !schedule.Next(st.LastRunTime).After(now)
}

// Snapshot returns a copy of every recorded job.
func (m *StateManager) Snapshot() map[string]JobState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]JobState, len(m.jobs))
	for k, v := range m.jobs {
		out[k] = v
	}
	return out
}
