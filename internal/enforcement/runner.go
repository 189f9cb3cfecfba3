package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/project"
)

// Deps are the collaborators a Runner needs.
type Deps struct {
	Root   string
	Git    Git
	Exec   *executor.Executor
	Subst  project.Substituter
	Logger *slog.Logger
}

// Options select the files and mode of one run.
type Options struct {
	// Files restricts whole-tree rules to these paths.
	Files []string
	// StagedFiles overrides the staged set read from git.
	StagedFiles []string
	Staged      bool
	Fix         bool
}

// Report is the outcome of one trigger.
type Report struct {
	Trigger string
	Results []RuleResult
	// NothingStaged is set when a staged run found no staged files and
	// skipped every rule.
	NothingStaged bool
	// Disabled is set when enforcement is turned off in config.
	Disabled bool
	Duration time.Duration
}

// Passed reports whether every rule passed.
func (r Report) Passed() bool {
	return len(r.Failed()) == 0
}

// Failed returns the failing results in rule order.
func (r Report) Failed() []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Runner evaluates the configured rules of one trigger.
type Runner struct {
	cfg  config.EnforcementConfig
	deps Deps
	// checks is indexed like cfg.Rules; disabled rules are nil.
	checks []Check
}

// NewRunner compiles every enabled rule.
func NewRunner(cfg config.EnforcementConfig, deps Deps) (*Runner, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Exec == nil {
		deps.Exec = executor.New(executor.Options{Logger: deps.Logger})
	}
	r := &Runner{cfg: cfg, deps: deps, checks: make([]Check, len(cfg.Rules))}
	for i, rc := range cfg.Rules {
		if !rc.IsEnabled() {
			continue
		}
		c, err := NewCheck(rc)
		if err != nil {
			return nil, err
		}
		r.checks[i] = c
	}
	return r, nil
}

// Rules returns the enabled checks bound to trigger, in configured order.
func (r *Runner) Rules(trigger string) []Check {
	var out []Check
	for i, rc := range r.cfg.Rules {
		if rc.Trigger != trigger || r.checks[i] == nil {
			continue
		}
		out = append(out, r.checks[i])
	}
	return out
}

// Run evaluates every rule of trigger. All rules run even after a failure so
// the report is complete. The pre-commit hook and Options.Staged scope the run
// to staged files; an empty trigger runs pre-commit rules over the whole
// tree. The error is non-nil only when ctx ends or staged files cannot be
// read.
func (r *Runner) Run(ctx context.Context, trigger string, opts Options) (Report, error) {
	switch trigger {
	case "":
		// a manual run checks pre-commit rules against the whole tree
		trigger = config.TriggerPreCommit
	case config.TriggerPreCommit:
		opts.Staged = true
	}
	start := time.Now()
	report := Report{Trigger: trigger}

	if !r.cfg.Enabled {
		report.Disabled = true
		return report, nil
	}

	env := newEnv(ctx, r.deps, opts)

	if opts.Staged {
		staged, err := env.staged()
		if err != nil {
			return report, fmt.Errorf("read staged files: %w", err)
		}
		if len(staged) == 0 {
			report.NothingStaged = true
			return report, nil
		}
	}

	checks := r.Rules(trigger)
	report.Results = make([]RuleResult, len(checks))
	run := func(i int) {
		c := checks[i]
		res := c.Run(ctx, env)
		res.Rule = c.Name()
		report.Results[i] = res
		r.deps.Logger.Debug("enforcement rule finished",
			"trigger", trigger,
			"rule", res.Rule,
			"passed", res.Passed,
			"duration", res.Duration)
	}

	if r.cfg.Parallel {
		var g errgroup.Group
		for i := range checks {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range checks {
			if ctx.Err() != nil {
				break
			}
			run(i)
		}
	}

	report.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
