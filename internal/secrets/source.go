package secrets

import (
	"errors"
	"fmt"
	"os"

	"github.com/subosito/gotenv"
)

// Source provides secret values by key.
type Source interface {
	Lookup(key string) (string, bool)
}

// MapSource is a fixed in-memory source.
type MapSource map[string]string

func (m MapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// EnvSource reads the process environment and an untracked dotenv file.
// The environment wins when both define a key.
type EnvSource struct {
	file   map[string]string
	lookup func(string) (string, bool)
}

// NewEnvSource loads the dotenv file at path. A missing file is treated as
// empty.
func NewEnvSource(path string) (*EnvSource, error) {
	s := &EnvSource{file: map[string]string{}, lookup: os.LookupEnv}
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open secrets file: %w", err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	for k, v := range env {
		s.file[k] = v
	}
	return s, nil
}

func (s *EnvSource) Lookup(key string) (string, bool) {
	if v, ok := s.lookup(key); ok {
		return v, true
	}
	v, ok := s.file[key]
	return v, ok
}
