package glob

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*.ts", "src/a/b.ts", true},
		{"*.ts", "b.ts", true},
		{"src/**/*.ts", "src/a/b.ts", true},
		{"src/**/*.ts", "lib/b.ts", false},
		{"**/*", "deep/nested/file.go", true},
		{"search_*", "search_code", true},
		{"search_*", "delete_repo", false},
		{"docs/*.md", "docs/sub/x.md", false},
		{"[", "x", false},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.name); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestFilter(t *testing.T) {
	names := []string{"src/a.ts", "src/a.test.ts", "README.md", "src/b.ts"}
	got := Filter(names, []string{"*.ts"}, []string{"*.test.ts"})
	want := "src/a.ts,src/b.ts"
	if strings.Join(got, ",") != want {
		t.Fatalf("expected %s, got %v", want, got)
	}

	if all := Filter(names, nil, nil); len(all) != len(names) {
		t.Fatalf("expected empty include to keep everything, got %v", all)
	}
}

func TestExpandSkipsDotDirs(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"a.go", "pkg/b.go", "pkg/b_test.go", ".git/config", "notes.txt"} {
		p := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	got, err := Expand(root, []string{"*.go"}, []string{"*_test.go"})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if strings.Join(got, ",") != "a.go,pkg/b.go" {
		t.Fatalf("unexpected files %v", got)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]string{"**/*.go", "*.ts"}) {
		t.Fatal("expected valid patterns")
	}
	if Valid([]string{"src/[a"}) {
		t.Fatal("expected invalid pattern")
	}
}
