package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
)

// State is the per-device filter memory: the last acknowledged sample and
// when the server confirmed it.
type State struct {
	LastSample   domain.LocationSample `json:"lastSample"`
	LastUploadAt time.Time             `json:"lastUploadAt"`
}

// Store persists filter state keyed by device ID. State is advisory only:
// losing it costs at most one redundant re-upload.
type Store interface {
	Get(deviceID string) (State, bool, error)
	Put(deviceID string, state State) error
}

// MemoryStore keeps filter state for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Get(deviceID string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[deviceID]
	return state, ok, nil
}

func (s *MemoryStore) Put(deviceID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[deviceID] = state
	return nil
}

// FileStore persists filter state as a JSON document so the agent survives
// restarts without re-uploading every device.
type FileStore struct {
	mu     sync.Mutex
	path   string
	states map[string]State
}

// NewFileStore loads existing state from path, starting empty when the file
// does not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, states: make(map[string]State)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read filter state: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.states); err != nil {
			return nil, fmt.Errorf("decode filter state: %w", err)
		}
	}
	return s, nil
}

func (s *FileStore) Get(deviceID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[deviceID]
	return state, ok, nil
}

func (s *FileStore) Put(deviceID string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[deviceID] = state
	return s.flushLocked()
}

// flushLocked writes the whole document through a temp file rename so a
// crash mid-write cannot corrupt existing state.
func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return fmt.Errorf("encode filter state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create filter state dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write filter state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace filter state: %w", err)
	}
	return nil
}
