// Package glob matches slash-separated paths against include and exclude
// patterns. Patterns support ** and a pattern without a slash also matches
// the base name at any depth, so "*.ts" selects "src/a/b.ts".
package glob

import (
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Match reports whether name matches pattern. Malformed patterns never match.
func Match(pattern, name string) bool {
	pattern = filepath.ToSlash(strings.TrimSpace(pattern))
	name = filepath.ToSlash(strings.TrimPrefix(name, "./"))
	if pattern == "" {
		return false
	}
	if ok, err := doublestar.Match(pattern, name); err == nil && ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, err := doublestar.Match(pattern, path.Base(name))
		return err == nil && ok
	}
	return false
}

// MatchAny reports whether name matches at least one pattern.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// Filter keeps the names that match an include pattern and no exclude
// pattern, preserving order. An empty include list keeps everything.
func Filter(names, include, exclude []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if len(include) > 0 && !MatchAny(include, n) {
			continue
		}
		if MatchAny(exclude, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Valid reports whether every pattern is well formed.
func Valid(patterns []string) bool {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return false
		}
	}
	return true
}

// Expand walks root and returns the regular files selected by include and
// exclude, sorted. Dot directories such as .git are skipped.
func Expand(root string, include, exclude []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	files = Filter(files, include, exclude)
	sort.Strings(files)
	return files, nil
}
