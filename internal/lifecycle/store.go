package lifecycle

import (
	"slices"
	"strings"
	"sync"

	"github.com/poni-dev/poni/internal/state"
)

const storeFileName = "lifecycle.json"

// Store keeps unfinished executions of blocking hooks, keyed by hook name.
type Store interface {
	Get(hook string) (*Execution, error)
	Put(*Execution) error
	Delete(hook string) error
	List() ([]Execution, error)
}

// MemoryStore keeps executions for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	execs map[string]Execution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: map[string]Execution{}}
}

func (s *MemoryStore) Get(hook string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[hook]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Put(e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[e.Hook] = *e
	return nil
}

func (s *MemoryStore) Delete(hook string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, hook)
	return nil
}

func (s *MemoryStore) List() ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0, len(s.execs))
	for _, e := range s.execs {
		out = append(out, e)
	}
	sortExecutions(out)
	return out, nil
}

type fileData struct {
	Executions map[string]Execution `json:"executions"`
}

// FileStore persists executions to <stateDir>/lifecycle.json so separate
// CLI invocations share retry state.
type FileStore struct {
	file *state.File[fileData]
}

func NewFileStore(stateDir string) *FileStore {
	return &FileStore{file: state.NewFile[fileData](stateDir, storeFileName)}
}

func (s *FileStore) Get(hook string) (*Execution, error) {
	data, err := s.file.Load()
	if err != nil {
		return nil, err
	}
	e, ok := data.Executions[hook]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *FileStore) Put(e *Execution) error {
	return s.file.Update(func(d *fileData) error {
		if d.Executions == nil {
			d.Executions = map[string]Execution{}
		}
		d.Executions[e.Hook] = *e
		return nil
	})
}

func (s *FileStore) Delete(hook string) error {
	return s.file.Update(func(d *fileData) error {
		delete(d.Executions, hook)
		return nil
	})
}

func (s *FileStore) List() ([]Execution, error) {
	data, err := s.file.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(data.Executions))
	for _, e := range data.Executions {
		out = append(out, e)
	}
	sortExecutions(out)
	return out, nil
}

func sortExecutions(execs []Execution) {
	slices.SortFunc(execs, func(a, b Execution) int {
		return strings.Compare(a.Hook, b.Hook)
	})
}
