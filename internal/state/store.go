// Package state holds per-task key/value state with optional mirroring to a
// state.json file inside each task directory. Every task has its own lock;
// the store-level mutex only guards the lock table so two tasks never
// serialize against each other.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logx "taskhive/pkg/logx"
)

const stateFileName = "state.json"

type Store struct {
	log logx.Logger

	mu     sync.Mutex // guards locks + states table membership only
	locks  map[string]*sync.Mutex
	states map[string]map[string]any
}

func NewStore(log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:    log,
		locks:  map[string]*sync.Mutex{},
		states: map[string]map[string]any{},
	}
}

// taskLock returns the per-task lock, creating it on first access.
func (s *Store) taskLock(task string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[task]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[task] = l
	}
	return l
}

func (s *Store) stateMap(task string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.states[task]
	if m == nil {
		m = map[string]any{}
		s.states[task] = m
	}
	return m
}

// Load reads a task's state.json (if present) into memory. An absent or
// empty file leaves the task with empty state; a corrupt file is logged and
// treated as empty rather than blocking task startup.
func (s *Store) Load(task, taskDir string) {
	path := filepath.Join(taskDir, stateFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("failed reading task state", logx.String("task", task), logx.Err(err))
		}
		s.stateMap(task)
		return
	}
	if len(b) == 0 {
		s.stateMap(task)
		return
	}

	var loaded map[string]any
	if err := json.Unmarshal(b, &loaded); err != nil {
		s.log.Error("failed decoding task state", logx.String("task", task), logx.Err(err))
		s.stateMap(task)
		return
	}

	l := s.taskLock(task)
	l.Lock()
	s.mu.Lock()
	s.states[task] = loaded
	s.mu.Unlock()
	l.Unlock()
	s.log.Debug("task state loaded", logx.String("task", task), logx.String("path", path))
}

// Get returns the stored value for key, or def when absent.
func (s *Store) Get(task, key string, def any) any {
	l := s.taskLock(task)
	l.Lock()
	defer l.Unlock()
	m := s.stateMap(task)
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

// Update sets key to value in the task's in-memory state.
func (s *Store) Update(task, key string, value any) {
	l := s.taskLock(task)
	l.Lock()
	defer l.Unlock()
	s.stateMap(task)[key] = value
}

// Snapshot returns a shallow copy of the task's state map.
func (s *Store) Snapshot(task string) map[string]any {
	l := s.taskLock(task)
	l.Lock()
	defer l.Unlock()
	m := s.stateMap(task)
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Save writes the task's in-memory state to taskDir/state.json.
func (s *Store) Save(task, taskDir string) error {
	l := s.taskLock(task)
	l.Lock()
	defer l.Unlock()

	m := s.stateMap(task)
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state for %q: %w", task, err)
	}
	path := filepath.Join(taskDir, stateFileName)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write state for %q: %w", task, err)
	}
	s.log.Debug("task state saved", logx.String("task", task), logx.String("path", path))
	return nil
}

// SaveAll flushes every known task's state. dirFor maps a task name to its
// directory; returning ok=false skips the task (not persistent, or gone).
// The first write error is returned after attempting every task.
func (s *Store) SaveAll(dirFor func(task string) (dir string, ok bool)) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.states))
	for name := range s.states {
		names = append(names, name)
	}
	s.mu.Unlock()

	var firstErr error
	for _, name := range names {
		dir, ok := dirFor(name)
		if !ok {
			continue
		}
		if err := s.Save(name, dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rename moves both the state entry and its lock to the new name as one
// logical unit. The lock pointer itself moves, so goroutines currently
// holding it stay valid.
func (s *Store) Rename(oldName, newName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.locks[oldName]; ok {
		s.locks[newName] = l
		delete(s.locks, oldName)
	}
	if m, ok := s.states[oldName]; ok {
		s.states[newName] = m
		delete(s.states, oldName)
	}
}

// Remove drops a task's state and lock entry.
func (s *Store) Remove(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, task)
	delete(s.locks, task)
}

// HasLock reports whether a lock exists for the task name. Test hook for the
// lock-per-accessed-task invariant.
func (s *Store) HasLock(task string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[task]
	return ok
}
