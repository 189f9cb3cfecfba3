package confirm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/poni-dev/poni/internal/state"
)

const (
	storeVersion  = 1
	storeFileName = "confirmations.json"
)

type fileData struct {
	Version  int       `json:"version"`
	Requests []Request `json:"requests"`
}

// Store persists confirmation requests.
type Store interface {
	Load() (fileData, error)
	Save(fileData) error
}

// MemoryStore keeps requests for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	data fileData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: defaultFileData()}
}

func (s *MemoryStore) Load() (fileData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.data
	cp.Requests = append([]Request(nil), s.data.Requests...)
	return cp, nil
}

func (s *MemoryStore) Save(data fileData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = normalizeFileData(data)
	s.data.Requests = append([]Request(nil), s.data.Requests...)
	return nil
}

// FileStore persists requests to <stateDir>/confirmations.json so a token
// issued by one CLI invocation can be redeemed by the next.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(stateDir string) *FileStore {
	return &FileStore{path: filepath.Join(stateDir, storeFileName)}
}

func (s *FileStore) Load() (fileData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultFileData(), nil
		}
		return fileData{}, fmt.Errorf("read confirmation store: %w", err)
	}

	var parsed fileData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fileData{}, fmt.Errorf("parse confirmation store: %w", err)
	}
	return normalizeFileData(parsed), nil
}

func (s *FileStore) Save(data fileData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.MarshalIndent(normalizeFileData(data), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal confirmation store: %w", err)
	}
	return state.WriteAtomic(s.path, encoded)
}

func defaultFileData() fileData {
	return fileData{Version: storeVersion, Requests: []Request{}}
}

func normalizeFileData(data fileData) fileData {
	if data.Version <= 0 {
		data.Version = storeVersion
	}
	if data.Requests == nil {
		data.Requests = []Request{}
	}
	return data
}
