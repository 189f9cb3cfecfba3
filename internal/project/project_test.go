package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSubstituterApply(t *testing.T) {
	cases := []struct {
		pm, in, want string
	}{
		{"", "${pm} run lint", "npm run lint"},
		{"", "npx eslint .", "npx eslint ."},
		{"pnpm", "npm run lint && npx tsc", "pnpm run lint && pnpm exec tsc"},
		{"pnpm", "pnpm run build", "pnpm run build"},
		{"yarn", "npx jest ${files}", "yarn jest ${files}"},
		{"bun", "${pm} test; npx biome check", "bun test; bunx biome check"},
		{"npm", "npx prettier --check", "npx prettier --check"},
	}
	for _, tc := range cases {
		if got := NewSubstituter(tc.pm).Apply(tc.in); got != tc.want {
			t.Errorf("pm=%q Apply(%q) = %q, want %q", tc.pm, tc.in, got, tc.want)
		}
	}
}

func TestDetect(t *testing.T) {
	root := t.TempDir()
	if got := Detect(root); got != "" {
		t.Fatalf("expected no package manager without package.json, got %q", got)
	}

	write := func(name string) {
		if err := os.WriteFile(filepath.Join(root, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("package.json")
	if got := Detect(root); got != "npm" {
		t.Fatalf("expected npm default, got %q", got)
	}
	write("yarn.lock")
	if got := Detect(root); got != "yarn" {
		t.Fatalf("expected yarn, got %q", got)
	}
	write("pnpm-lock.yaml")
	if got := Detect(root); got != "pnpm" {
		t.Fatalf("expected pnpm to win, got %q", got)
	}
}
