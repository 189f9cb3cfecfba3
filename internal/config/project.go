package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DirName    = ".poni"
	FileName   = "config.toml"
	StateDir   = "state"
	gitHookDir = ".git/hooks"
)

// ErrNoProject is returned when no .poni/config.toml exists in the start
// directory or any of its parents.
var ErrNoProject = errors.New("no .poni/config.toml found in this directory or any parent")

// Project locates a poni project on disk. It is built once at startup and
// passed to every component that needs a path.
type Project struct {
	Root       string
	ConfigPath string
}

// FindProject walks from start to the filesystem root looking for
// .poni/config.toml.
func FindProject(start string) (*Project, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		candidate := filepath.Join(dir, DirName, FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return &Project{Root: dir, ConfigPath: candidate}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNoProject
		}
		dir = parent
	}
}

// ProjectAt builds a project from an explicit config file path. The project
// root is the parent of the .poni directory when the file sits in one,
// otherwise the file's own directory.
func ProjectAt(configPath string) (*Project, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", configPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if filepath.Base(dir) == DirName {
		dir = filepath.Dir(dir)
	}
	return &Project{Root: dir, ConfigPath: abs}, nil
}

// PoniDir returns <root>/.poni.
func (p *Project) PoniDir() string {
	return filepath.Join(p.Root, DirName)
}

// StateDir returns the directory for runtime state files.
func (p *Project) StateDir() string {
	return filepath.Join(p.Root, DirName, StateDir)
}

// HooksDir returns the git hooks directory of the project.
func (p *Project) HooksDir() string {
	return filepath.Join(p.Root, filepath.FromSlash(gitHookDir))
}

// Path resolves rel against the project root.
func (p *Project) Path(rel string) string {
	if rel == "" {
		return p.Root
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Root, rel)
}
