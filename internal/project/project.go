// Package project supplies the package-manager substitution applied to rule
// and hook command templates.
package project

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Token is the template placeholder for the package manager.
const Token = "${pm}"

const defaultPackageManager = "npm"

var (
	npmWord = regexp.MustCompile(`\bnpm `)
	npxWord = regexp.MustCompile(`\bnpx `)
)

// runner maps a package manager to its equivalent of "npx ".
var runner = map[string]string{
	"pnpm": "pnpm exec ",
	"yarn": "yarn ",
	"bun":  "bunx ",
	"npm":  "npx ",
}

// lockFiles are checked in order; the first present wins.
var lockFiles = []struct{ file, pm string }{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"bun.lock", "bun"},
	{"package-lock.json", "npm"},
}

// Detect infers the package manager of a JavaScript project at root from its
// lock file. It returns "" when root has no package.json.
func Detect(root string) string {
	if _, err := os.Stat(filepath.Join(root, "package.json")); err != nil {
		return ""
	}
	for _, lf := range lockFiles {
		if _, err := os.Stat(filepath.Join(root, lf.file)); err == nil {
			return lf.pm
		}
	}
	return defaultPackageManager
}

// Substituter rewrites command templates for the project's package manager.
type Substituter struct {
	pm string
}

func NewSubstituter(pm string) Substituter {
	return Substituter{pm: strings.TrimSpace(pm)}
}

// PackageManager returns the configured package manager, or npm.
func (s Substituter) PackageManager() string {
	if s.pm == "" {
		return defaultPackageManager
	}
	return s.pm
}

// Apply expands ${pm} and, when a package manager is configured, rewrites
// "npm " and "npx " invocations to it.
func (s Substituter) Apply(cmd string) string {
	cmd = strings.ReplaceAll(cmd, Token, s.PackageManager())
	if s.pm == "" || s.pm == defaultPackageManager {
		return cmd
	}
	cmd = npmWord.ReplaceAllLiteralString(cmd, s.pm+" ")
	if r, ok := runner[s.pm]; ok {
		cmd = npxWord.ReplaceAllLiteralString(cmd, r)
	}
	return cmd
}
