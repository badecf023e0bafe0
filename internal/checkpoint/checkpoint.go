// Package checkpoint implements the Checkpoint Store (component N): the
// scheduler's durable record of in-flight work, used for crash recovery.
// The atomic write pattern is grounded on the teacher's
// internal/governance/pending_vault.go persistence (write to a temp
// file, fsync, rename) and on vaultfs.Write, adapted here to a single
// top-level JSON blob instead of per-task files.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TaskInFlight records one worker's claim on a task, per spec §3's
// SchedulerCheckpoint schema.
type TaskInFlight struct {
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// Counters tracks cumulative scheduler activity across restarts, purely
// informational (metrics derive their own counters independently).
type Counters struct {
	TasksDiscovered int64 `json:"tasks_discovered"`
	TasksCompleted  int64 `json:"tasks_completed"`
	TasksFailed     int64 `json:"tasks_failed"`
}

// Checkpoint is the single JSON blob persisted by the scheduler's main
// loop, per spec §3.
type Checkpoint struct {
	LastPoll      time.Time               `json:"last_poll"`
	TasksInFlight map[string]TaskInFlight `json:"tasks_in_flight"`
	StopRequested bool                    `json:"stop_requested"`
	Counters      Counters                `json:"counters"`
}

// empty returns a freshly initialized Checkpoint, never a nil map.
func empty() Checkpoint {
	return Checkpoint{TasksInFlight: map[string]TaskInFlight{}}
}

// Store is a single-writer, file-backed Checkpoint, guarded by a mutex
// because the scheduler main loop is the only writer but metrics/status
// reads may come from another goroutine.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store backed by path. The file need not exist yet;
// Load returns an empty Checkpoint in that case.
func Open(path string) *Store {
	return &Store{path: path}
}

// Load reads the checkpoint file, or returns an empty Checkpoint if it
// does not exist yet (first run).
func (s *Store) Load() (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return empty(), nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	if cp.TasksInFlight == nil {
		cp.TasksInFlight = map[string]TaskInFlight{}
	}
	return cp, nil
}

// Save persists cp atomically: write to a sibling temp file, fsync,
// rename over the destination, then fsync the containing directory.
func (s *Store) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}

// MarkInFlight records or updates a task's in-flight entry.
func (cp *Checkpoint) MarkInFlight(taskID string, entry TaskInFlight) {
	if cp.TasksInFlight == nil {
		cp.TasksInFlight = map[string]TaskInFlight{}
	}
	cp.TasksInFlight[taskID] = entry
}

// ClearInFlight removes a task's in-flight entry, called when a worker
// finishes (successfully or not) and the task has moved to a terminal
// or retry-queue folder.
func (cp *Checkpoint) ClearInFlight(taskID string) {
	delete(cp.TasksInFlight, taskID)
}

// StaleInFlight returns the task IDs whose in-flight entry is older
// than maxAge — candidates for conversion back to Needs_Action on
// restart, per spec §4.M's crash-recovery guarantee.
func (cp *Checkpoint) StaleInFlight(now time.Time, maxAge time.Duration) []string {
	var stale []string
	for id, entry := range cp.TasksInFlight {
		if now.Sub(entry.StartedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	return stale
}
