package approval

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"teenlancer/internal/models"
)

// Marker records that a request for a contact is still outstanding so a
// restarted requester can resume waiting.
type Marker struct {
	Key     models.LookupKey `json:"key"`
	SavedAt time.Time        `json:"saved_at"`
}

type MarkerStore interface {
	Save(contact string, m Marker) error
	Load(contact string) (Marker, bool, error)
	Clear(contact string) error
}

func markerKey(contact string) string {
	return strings.ToLower(strings.TrimSpace(contact))
}

type MemoryMarkerStore struct {
	mu      sync.Mutex
	markers map[string]Marker
}

func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{markers: map[string]Marker{}}
}

func (s *MemoryMarkerStore) Save(contact string, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[markerKey(contact)] = m
	return nil
}

func (s *MemoryMarkerStore) Load(contact string) (Marker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[markerKey(contact)]
	return m, ok, nil
}

func (s *MemoryMarkerStore) Clear(contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, markerKey(contact))
	return nil
}

// FileMarkerStore keeps markers in a single JSON file, rewritten atomically
// on every change.
type FileMarkerStore struct {
	mu   sync.Mutex
	path string
}

func NewFileMarkerStore(path string) *FileMarkerStore {
	return &FileMarkerStore{path: path}
}

func (s *FileMarkerStore) read() (map[string]Marker, error) {
	out := map[string]Marker{}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileMarkerStore) write(markers map[string]Marker) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(markers, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileMarkerStore) Save(contact string, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers, err := s.read()
	if err != nil {
		return err
	}
	markers[markerKey(contact)] = m
	return s.write(markers)
}

func (s *FileMarkerStore) Load(contact string) (Marker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers, err := s.read()
	if err != nil {
		return Marker{}, false, err
	}
	m, ok := markers[markerKey(contact)]
	return m, ok, nil
}

func (s *FileMarkerStore) Clear(contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := markers[markerKey(contact)]; !ok {
		return nil
	}
	delete(markers, markerKey(contact))
	return s.write(markers)
}
