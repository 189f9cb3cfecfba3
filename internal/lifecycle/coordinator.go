package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/glob"
)

const fileToken = "${file}"

// Outcome is the result of one hook on one event.
type Outcome string

const (
	OutcomePassed Outcome = "passed"
	// OutcomeFailed is a failed non-blocking hook. It is reported but does
	// not hold the workflow.
	OutcomeFailed    Outcome = "failed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeExhausted Outcome = "exhausted"
)

// HookResult is the outcome of one hook.
type HookResult struct {
	Hook       string        `yaml:"hook"`
	Outcome    Outcome       `yaml:"outcome"`
	Attempt    int           `yaml:"attempt"`
	MaxRetries int           `yaml:"max_retries"`
	Message    string        `yaml:"message,omitempty"`
	Output     string        `yaml:"output,omitempty"`
	Duration   time.Duration `yaml:"duration"`
}

// Report is the outcome of one fired event.
type Report struct {
	Event   Event
	Results []HookResult
}

// Blocked reports whether a blocking hook holds the workflow.
func (r Report) Blocked() bool {
	return r.has(OutcomeBlocked)
}

// Exhausted reports whether a blocking hook ran out of attempts.
func (r Report) Exhausted() bool {
	return r.has(OutcomeExhausted)
}

// Passed reports whether the workflow may continue.
func (r Report) Passed() bool {
	return !r.Blocked() && !r.Exhausted()
}

func (r Report) has(o Outcome) bool {
	for _, res := range r.Results {
		if res.Outcome == o {
			return true
		}
	}
	return false
}

// Diagnostic renders the failing hooks for the agent. It is empty when
// every hook passed.
func (r Report) Diagnostic() string {
	var parts []string
	for _, res := range r.Results {
		var b strings.Builder
		switch res.Outcome {
		case OutcomeBlocked:
			fmt.Fprintf(&b, "Lifecycle hook '%s' failed (attempt %d/%d). Fix the issues and try again.",
				res.Hook, res.Attempt, res.MaxRetries)
		case OutcomeExhausted:
			fmt.Fprintf(&b, "Lifecycle hook '%s' failed after %d attempts. Human intervention required; run `poni lifecycle reset %s` once fixed.",
				res.Hook, res.Attempt, res.Hook)
		case OutcomeFailed:
			fmt.Fprintf(&b, "Lifecycle hook '%s' failed.", res.Hook)
		default:
			continue
		}
		if res.Message != "" {
			b.WriteString("\n" + res.Message)
		}
		if out := strings.TrimSpace(res.Output); out != "" {
			b.WriteString("\n" + out)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

// HookRecorder receives hook outcome metrics.
type HookRecorder interface {
	RecordHook(outcome string)
}

// Options configures a Coordinator.
type Options struct {
	Root    string
	Exec    *executor.Executor
	Store   Store
	Metrics HookRecorder
	Logger  *slog.Logger
}

type hook struct {
	cfg     config.HookConfig
	trigger Trigger
}

// Coordinator runs lifecycle hooks for workflow events.
type Coordinator struct {
	enabled bool
	hooks   []hook
	opts    Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewCoordinator parses every hook trigger. A nil store keeps executions in
// memory.
func NewCoordinator(cfg config.LifecycleConfig, opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Exec == nil {
		opts.Exec = executor.New(executor.Options{Logger: opts.Logger})
	}
	c := &Coordinator{enabled: cfg.Enabled, opts: opts, locks: map[string]*sync.Mutex{}}
	for _, hc := range cfg.Hooks {
		// executions are keyed by hook name
		if c.known(hc.Name) {
			return nil, fmt.Errorf("hook %s: duplicate name", hc.Name)
		}
		t, err := ParseTrigger(hc.Trigger)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", hc.Name, err)
		}
		c.hooks = append(c.hooks, hook{cfg: hc, trigger: t})
	}
	return c, nil
}

// Fire runs the hooks matching ev in configured order. Processing stops at
// the first blocking hook that does not pass. The error is non-nil only when
// ctx ends or the store fails.
func (c *Coordinator) Fire(ctx context.Context, ev Event) (Report, error) {
	report := Report{Event: ev}
	if !c.enabled {
		return report, nil
	}

	for _, h := range c.hooks {
		if !h.trigger.Matches(ev) {
			continue
		}
		files, ok := h.files(ev)
		if !ok {
			continue
		}

		var (
			res HookResult
			err error
		)
		if h.cfg.BlockUntilPass {
			res, err = c.runBlocking(ctx, h, files)
		} else {
			res, err = c.runOnce(ctx, h, files)
		}
		if err != nil {
			return report, err
		}
		report.Results = append(report.Results, res)
		c.record(res)
		c.opts.Logger.Debug("lifecycle hook finished",
			"event", ev.String(),
			"hook", res.Hook,
			"outcome", res.Outcome,
			"attempt", res.Attempt)

		if res.Outcome == OutcomeBlocked || res.Outcome == OutcomeExhausted {
			break
		}
	}
	return report, nil
}

func (c *Coordinator) runOnce(ctx context.Context, h hook, files []string) (HookResult, error) {
	passed, output, dur, err := c.execute(ctx, h, files)
	if err != nil {
		return HookResult{}, err
	}
	res := HookResult{Hook: h.cfg.Name, Outcome: OutcomePassed, Attempt: 1, MaxRetries: 1, Duration: dur}
	if !passed {
		res.Outcome = OutcomeFailed
		res.Message = h.cfg.Message
		res.Output = output
	}
	return res, nil
}

func (c *Coordinator) runBlocking(ctx context.Context, h hook, files []string) (HookResult, error) {
	mu := c.lock(h.cfg.Name)
	mu.Lock()
	defer mu.Unlock()

	store := c.opts.Store
	execution, err := store.Get(h.cfg.Name)
	if err != nil {
		return HookResult{}, fmt.Errorf("load execution %s: %w", h.cfg.Name, err)
	}
	if execution == nil || execution.State == StatePassed {
		execution = NewExecution(h.cfg.Name, h.cfg.MaxRetries)
	}

	res := HookResult{Hook: h.cfg.Name, MaxRetries: execution.MaxRetries, Message: h.cfg.Message}
	if err := execution.Begin(); err != nil {
		if !errors.Is(err, ErrHookExhausted) {
			return HookResult{}, err
		}
		// exhausted executions wait for a reset
		res.Outcome = OutcomeExhausted
		res.Attempt = execution.Attempt
		res.Output = execution.LastOutput
		return res, nil
	}

	passed, output, dur, err := c.execute(ctx, h, files)
	if err != nil {
		return HookResult{}, err
	}
	if err := execution.Complete(passed, output); err != nil {
		return HookResult{}, err
	}

	res.Attempt = execution.Attempt
	res.Duration = dur
	switch execution.State {
	case StatePassed:
		res.Outcome = OutcomePassed
		res.Message = ""
		err = store.Delete(h.cfg.Name)
	case StateExhausted:
		res.Outcome = OutcomeExhausted
		res.Output = output
		err = store.Put(execution)
	default:
		res.Outcome = OutcomeBlocked
		res.Output = output
		err = store.Put(execution)
	}
	if err != nil {
		return HookResult{}, fmt.Errorf("save execution %s: %w", h.cfg.Name, err)
	}
	return res, nil
}

// execute runs the hook's commands then its checks, stopping at the first
// failure.
func (c *Coordinator) execute(ctx context.Context, h hook, files []string) (bool, string, time.Duration, error) {
	start := time.Now()
	quoted := shellquote.Join(files...)
	var outputs []string
	for _, cmd := range append(append([]string(nil), h.cfg.Commands...), h.cfg.Checks...) {
		cmd = strings.ReplaceAll(cmd, fileToken, quoted)
		res, err := c.opts.Exec.Run(ctx, executor.Request{
			Name:    h.cfg.Name,
			Shell:   cmd,
			Dir:     c.opts.Root,
			Timeout: h.cfg.Timeout,
		})
		if err != nil {
			return false, "", time.Since(start), err
		}
		if out := strings.TrimRight(res.Output, "\n"); out != "" {
			outputs = append(outputs, out)
		}
		if !res.OK() {
			return false, strings.Join(outputs, "\n"), time.Since(start), nil
		}
	}
	return true, strings.Join(outputs, "\n"), time.Since(start), nil
}

func (c *Coordinator) record(res HookResult) {
	if c.opts.Metrics == nil {
		return
	}
	c.opts.Metrics.RecordHook(string(res.Outcome))
}

func (c *Coordinator) lock(name string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[name] = mu
	}
	return mu
}

// Reset clears the execution of hook, or of every hook when name is empty.
func (c *Coordinator) Reset(name string) ([]string, error) {
	execs, err := c.opts.Store.List()
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, e := range execs {
		if name != "" && e.Hook != name {
			continue
		}
		if err := c.opts.Store.Delete(e.Hook); err != nil {
			return cleared, err
		}
		cleared = append(cleared, e.Hook)
	}
	if name != "" && len(cleared) == 0 && !c.known(name) {
		return nil, fmt.Errorf("unknown lifecycle hook %q", name)
	}
	return cleared, nil
}

// Executions lists the unfinished executions of blocking hooks.
func (c *Coordinator) Executions() ([]Execution, error) {
	return c.opts.Store.List()
}

// Hooks returns the configured hook names and triggers in order.
func (c *Coordinator) Hooks() []config.HookConfig {
	out := make([]config.HookConfig, len(c.hooks))
	for i, h := range c.hooks {
		out[i] = h.cfg
	}
	return out
}

func (c *Coordinator) known(name string) bool {
	for _, h := range c.hooks {
		if h.cfg.Name == name {
			return true
		}
	}
	return false
}

// files returns the event files inside the hook's pattern. ok is false when
// the event names files and none of them match.
func (h hook) files(ev Event) ([]string, bool) {
	if len(ev.Files) == 0 || len(h.cfg.Pattern) == 0 {
		return ev.Files, true
	}
	matched := glob.Filter(ev.Files, h.cfg.Pattern, nil)
	return matched, len(matched) > 0
}
