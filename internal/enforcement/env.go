package enforcement

import (
	"context"
	"log/slog"
	"sync"

	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/glob"
	"github.com/poni-dev/poni/internal/project"
)

// Git is the repository access the checks need.
type Git interface {
	StagedFiles(ctx context.Context) ([]string, error)
	TrackedFiles(ctx context.Context) ([]string, error)
	CurrentBranch(ctx context.Context) (string, error)
	Add(ctx context.Context, paths ...string) error
	OutgoingMessages(ctx context.Context) ([]string, error)
}

// Env is the shared, read-only context of one trigger run. File sets are
// computed once on first use.
type Env struct {
	Root   string
	Git    Git
	Exec   *executor.Executor
	Subst  project.Substituter
	Logger *slog.Logger
	// Staged scopes every rule to the staged set.
	Staged bool
	Fix    bool

	explicit []string
	staged   func() ([]string, error)
	all      func() ([]string, error)
}

func newEnv(ctx context.Context, d Deps, opts Options) *Env {
	e := &Env{
		Root:     d.Root,
		Git:      d.Git,
		Exec:     d.Exec,
		Subst:    d.Subst,
		Logger:   d.Logger,
		Staged:   opts.Staged,
		Fix:      opts.Fix,
		explicit: opts.Files,
	}
	e.staged = sync.OnceValues(func() ([]string, error) {
		if len(opts.StagedFiles) > 0 {
			return opts.StagedFiles, nil
		}
		return d.Git.StagedFiles(ctx)
	})
	e.all = sync.OnceValues(func() ([]string, error) {
		files, err := d.Git.TrackedFiles(ctx)
		if err == nil {
			return files, nil
		}
		// not a git work tree
		return glob.Expand(d.Root, nil, nil)
	})
	return e
}

// candidates returns the files a rule may inspect before its own include
// and exclude patterns are applied.
func (e *Env) candidates(stagedOnly bool) ([]string, error) {
	if e.Staged || stagedOnly {
		return e.staged()
	}
	if len(e.explicit) > 0 {
		return e.explicit, nil
	}
	return e.all()
}

// scope is the include/exclude selection shared by every check.
type scope struct {
	include    []string
	exclude    []string
	stagedOnly bool
}

func (s scope) files(e *Env) ([]string, error) {
	cands, err := e.candidates(s.stagedOnly)
	if err != nil {
		return nil, err
	}
	return glob.Filter(cands, s.include, s.exclude), nil
}
