package gitrepo

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "commit", "--allow-empty", "-m", "init")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestStagedFilesAndAdd(t *testing.T) {
	dir := initTestRepo(t)
	repo := Open(dir)
	ctx := context.Background()

	writeFile(t, dir, "src/a.go", "package a\n")
	writeFile(t, dir, "b.txt", "b\n")

	staged, err := repo.StagedFiles(ctx)
	if err != nil {
		t.Fatalf("StagedFiles: %v", err)
	}
	if len(staged) != 0 {
		t.Fatalf("expected nothing staged, got %v", staged)
	}

	if err := repo.Add(ctx, "src/a.go"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	staged, err = repo.StagedFiles(ctx)
	if err != nil {
		t.Fatalf("StagedFiles: %v", err)
	}
	if len(staged) != 1 || staged[0] != "src/a.go" {
		t.Fatalf("expected src/a.go staged, got %v", staged)
	}
}

func TestCurrentBranch(t *testing.T) {
	dir := initTestRepo(t)
	runGit(t, dir, "checkout", "-b", "feature/x")

	branch, err := Open(dir).CurrentBranch(context.Background())
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != "feature/x" {
		t.Fatalf("expected feature/x, got %q", branch)
	}
}

func TestTrackedFiles(t *testing.T) {
	dir := initTestRepo(t)
	writeFile(t, dir, "one.txt", "1")
	runGit(t, dir, "add", "one.txt")
	runGit(t, dir, "commit", "-m", "one")

	files, err := Open(dir).TrackedFiles(context.Background())
	if err != nil {
		t.Fatalf("TrackedFiles: %v", err)
	}
	if len(files) != 1 || files[0] != "one.txt" {
		t.Fatalf("unexpected tracked files %v", files)
	}
}

func TestOutgoingMessagesWithoutUpstream(t *testing.T) {
	dir := initTestRepo(t)
	runGit(t, dir, "commit", "--allow-empty", "-m", "feat: second\n\nbody")

	msgs, err := Open(dir).OutgoingMessages(context.Background())
	if err != nil {
		t.Fatalf("OutgoingMessages: %v", err)
	}
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "feat: second") {
		t.Fatalf("expected HEAD message, got %q", msgs)
	}
}

func TestNotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_CEILING_DIRECTORIES", os.TempDir())
	_, err := Open(t.TempDir()).CurrentBranch(context.Background())
	if !errors.Is(err, ErrNotRepository) {
		t.Fatalf("expected ErrNotRepository, got %v", err)
	}
}
