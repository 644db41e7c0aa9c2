package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gustash/steamdepot/internal/coremodel"
)

const resumeSaveThrottle = 5 * time.Second

func resumeFileName(app coremodel.AppId) string {
	return fmt.Sprintf("download_state_%d.json", app)
}

// ResumeStore persists in-progress download state as JSON,
// the way small auxiliary files get persisted elsewhere in this codebase. Saves are
// throttled to at most once per resumeSaveThrottle unless Force is used, so
// chunk completion doesn't serialize a disk write per chunk.
type ResumeStore struct {
	mu       sync.Mutex
	path     string
	lastSave time.Time
}

// OpenResumeStore opens the resume store for one app.
func OpenResumeStore(app coremodel.AppId) (*ResumeStore, error) {
	path, err := configFile(resumeFileName(app))
	if err != nil {
		return nil, err
	}
	return &ResumeStore{path: path}, nil
}

// Load reads the persisted resume state, or returns (nil, nil) if absent.
func (s *ResumeStore) Load() (*coremodel.ResumeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state coremodel.ResumeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("statestore: corrupt resume state %s: %w", s.path, err)
	}
	return &state, nil
}

// Save writes state if at least resumeSaveThrottle has elapsed since the
// last save.
func (s *ResumeStore) Save(state *coremodel.ResumeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastSave) < resumeSaveThrottle {
		return nil
	}
	return s.save(state)
}

// ForceSave writes state unconditionally (depot completion, shutdown).
func (s *ResumeStore) ForceSave(state *coremodel.ResumeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(state)
}

func (s *ResumeStore) save(state *coremodel.ResumeState) error {
	state.LastUpdatedAt = time.Now()
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWrite(s.path, raw); err != nil {
		return err
	}
	s.lastSave = time.Now()
	return nil
}

// Clear removes the resume file once a download fully succeeds.
func (s *ResumeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
