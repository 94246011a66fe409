// Package store provides crash-safe JSON state persistence.
//
// The screener and the universe selector share one state file
// (universe-state.json) that the dashboard also reads. Updates are
// read-merge-write so each writer only touches its own keys, and every
// write uses atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StateFile is a JSON object on disk updated by read-merge-write.
// All operations are mutex-protected; hand the same instance to every
// component that writes the file.
type StateFile struct {
	path string
	mu   sync.Mutex
}

// Open creates the parent directory and returns a handle to the state
// file. The file itself is created on first merge.
func Open(path string) (*StateFile, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &StateFile{path: path}, nil
}

// Path returns the file location.
func (s *StateFile) Path() string {
	return s.path
}

// Read returns the current state object. A missing file is an empty
// state, not an error.
func (s *StateFile) Read() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Merge marshals update, overlays its top-level keys onto the state on
// disk, and writes the result atomically. update may be a map or any
// struct with JSON tags. Unrelated keys written by other components are
// preserved; an unreadable existing file is replaced rather than
// propagated.
func (s *StateFile) Merge(update any) error {
	patch, err := toObject(update)
	if err != nil {
		return fmt.Errorf("encode state update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.readLocked()
	if err != nil {
		state = make(map[string]any)
	}
	for k, v := range patch {
		state[k] = v
	}
	return s.writeLocked(state)
}

func (s *StateFile) readLocked() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	state := make(map[string]any)
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, nil
}

// writeLocked persists state via .tmp + rename so the file is never
// left partially written.
func (s *StateFile) writeLocked(state map[string]any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// toObject converts update into a JSON object via a marshal round-trip.
func toObject(update any) (map[string]any, error) {
	if m, ok := update.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	obj := make(map[string]any)
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("state update must be a JSON object: %w", err)
	}
	return obj, nil
}
