package enforcement

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/poni-dev/poni/internal/config"
)

// hookMarker identifies hook scripts poni owns.
const hookMarker = "Poni"

const backupSuffix = ".backup"

// GitHooks are the git hooks poni installs, in install order.
var GitHooks = []string{config.TriggerPreCommit, config.TriggerPrePush}

// ErrNoHooksDir is returned when the project has no .git/hooks directory.
var ErrNoHooksDir = errors.New("no .git/hooks directory; is this a git repository?")

func hookScript(hook string) string {
	return fmt.Sprintf("#!/bin/sh\n# %s %s hook\nexec poni enforce --hook %s\n", hookMarker, hook, hook)
}

// InstallHooks writes the poni shims into hooksDir. A foreign hook is moved
// aside to <hook>.backup first.
func InstallHooks(hooksDir string) ([]string, error) {
	if !isDir(hooksDir) {
		return nil, ErrNoHooksDir
	}
	var installed []string
	for _, hook := range GitHooks {
		path := filepath.Join(hooksDir, hook)
		if data, err := os.ReadFile(path); err == nil && !strings.Contains(string(data), hookMarker) {
			if err := os.Rename(path, path+backupSuffix); err != nil {
				return installed, fmt.Errorf("back up %s hook: %w", hook, err)
			}
		}
		if err := os.WriteFile(path, []byte(hookScript(hook)), 0o755); err != nil {
			return installed, fmt.Errorf("write %s hook: %w", hook, err)
		}
		// WriteFile keeps the mode of an existing file
		if err := os.Chmod(path, 0o755); err != nil {
			return installed, fmt.Errorf("chmod %s hook: %w", hook, err)
		}
		installed = append(installed, hook)
	}
	return installed, nil
}

// UninstallHooks removes the poni shims and restores any backups. Foreign
// hooks are left alone.
func UninstallHooks(hooksDir string) ([]string, error) {
	if !isDir(hooksDir) {
		return nil, ErrNoHooksDir
	}
	var removed []string
	for _, hook := range GitHooks {
		path := filepath.Join(hooksDir, hook)
		data, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(data), hookMarker) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s hook: %w", hook, err)
		}
		removed = append(removed, hook)
		if _, err := os.Stat(path + backupSuffix); err == nil {
			if err := os.Rename(path+backupSuffix, path); err != nil {
				return removed, fmt.Errorf("restore %s hook: %w", hook, err)
			}
		}
	}
	return removed, nil
}

// HookStatus reports, per git hook, whether the poni shim is installed.
func HookStatus(hooksDir string) map[string]bool {
	status := make(map[string]bool, len(GitHooks))
	for _, hook := range GitHooks {
		data, err := os.ReadFile(filepath.Join(hooksDir, hook))
		status[hook] = err == nil && strings.Contains(string(data), hookMarker)
	}
	return status
}

// HookSystem is another hook manager found in the project.
type HookSystem struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// ExistingHookSystems detects hook managers that may conflict with the
// installed shims.
func ExistingHookSystems(root string) []HookSystem {
	var found []HookSystem
	if p := filepath.Join(root, ".husky"); exists(p) {
		found = append(found, HookSystem{Name: "husky", Path: p})
	}
	if p := filepath.Join(root, ".pre-commit-config.yaml"); exists(p) {
		found = append(found, HookSystem{Name: "pre-commit", Path: p})
	}
	for _, name := range []string{"lefthook.yml", ".lefthook.yml", "lefthook.yaml", ".lefthook.yaml"} {
		if p := filepath.Join(root, name); exists(p) {
			found = append(found, HookSystem{Name: "lefthook", Path: p})
			break
		}
	}
	if p := filepath.Join(root, "package.json"); hasLintStaged(p) {
		found = append(found, HookSystem{Name: "lint-staged", Path: p})
	}
	return found
}

func hasLintStaged(packageJSON string) bool {
	data, err := os.ReadFile(packageJSON)
	if err != nil {
		return false
	}
	var pkg map[string]json.RawMessage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	_, ok := pkg["lint-staged"]
	return ok
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}
