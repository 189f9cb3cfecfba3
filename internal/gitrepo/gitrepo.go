// Package gitrepo wraps the git CLI operations used by enforcement rules and
// branch-restricted tools.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

// ErrNotRepository is returned when dir is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Repo is a git work tree rooted at Dir.
type Repo struct {
	Dir string
}

func Open(dir string) *Repo {
	return &Repo{Dir: dir}
}

// StagedFiles returns added, copied, modified and renamed paths in the index,
// relative to the repository root.
func (r *Repo) StagedFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "diff", "--cached", "--name-only", "--diff-filter=ACMR", "-z")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// TrackedFiles returns every path git tracks.
func (r *Repo) TrackedFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "ls-files", "-z")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// CurrentBranch returns the checked-out branch, or "HEAD" when detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Add stages paths.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := r.git(ctx, args...)
	return err
}

// OutgoingMessages returns the messages of commits not yet on the upstream
// branch. Without an upstream only the HEAD commit is considered.
func (r *Repo) OutgoingMessages(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "log", "--format=%B%x00", "@{upstream}..HEAD")
	if err != nil {
		out, err = r.git(ctx, "log", "-1", "--format=%B%x00")
		if err != nil {
			return nil, err
		}
	}
	var msgs []string
	for _, m := range strings.Split(out, "\x00") {
		if m = strings.TrimSpace(m); m != "" {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not a git repository") {
			return "", fmt.Errorf("git %s: %w", args[0], ErrNotRepository)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return string(out), nil
}

func splitNUL(out string) []string {
	var files []string
	for _, f := range strings.Split(out, "\x00") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}
