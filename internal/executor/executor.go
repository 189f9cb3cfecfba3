package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/poni-dev/poni/internal/confirm"
	"github.com/poni-dev/poni/internal/metrics"
	"github.com/poni-dev/poni/internal/redact"
)

const (
	defaultTimeout = 60 * time.Second
	waitDelay      = 2 * time.Second
)

// Status is the outcome of one execution.
type Status string

const (
	StatusSuccess             Status = metrics.OutcomeSuccess
	StatusFailure             Status = metrics.OutcomeFailure
	StatusTimeout             Status = metrics.OutcomeTimeout
	StatusCanceled            Status = metrics.OutcomeCanceled
	StatusConfirmationPending Status = metrics.OutcomePending
)

// Confirmation describes the confirmation requirement of a request.
type Confirmation struct {
	Required bool
	Prompt   string
	// Token is a previously issued confirmation token, if the caller has one.
	Token string
	// Fingerprint binds a token to this exact invocation.
	Fingerprint string
	// Approved is set when a human confirmed out of band, e.g. --yes.
	Approved bool
}

// Request is one command to run.
type Request struct {
	Name string
	// Argv runs a program directly. Exactly one of Argv and Shell is set.
	Argv []string
	// Shell runs through the platform shell.
	Shell          string
	Dir            string
	Env            map[string]string
	Timeout        time.Duration
	Confirm        Confirmation
	Redactor       *redact.Redactor
	MaxOutputLines int
}

// Result is the outcome of a request.
type Result struct {
	Status    Status
	ExitCode  int
	Output    string
	Truncated bool
	Duration  time.Duration
	// Prompt and Token are set when Status is StatusConfirmationPending.
	Prompt string
	Token  string
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Confirmer issues and redeems confirmation tokens.
type Confirmer interface {
	Issue(confirm.IssueInput) (confirm.Request, error)
	Redeem(token, fingerprint string) (confirm.Request, error)
}

// Recorder receives execution metrics.
type Recorder interface {
	RecordExecution(duration time.Duration, outcome string) (metrics.RuntimeSnapshot, error)
}

// Options configures an Executor.
type Options struct {
	MaxParallel    int
	DefaultTimeout time.Duration
	// Secrets are literal values masked in every output.
	Secrets   []string
	Confirmer Confirmer
	Metrics   Recorder
	Logger    *slog.Logger
}

// Executor runs commands under a shared parallelism ceiling. Each call owns
// its process tree and tears it down on every exit path.
type Executor struct {
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	secrets        []string
	confirmer      Confirmer
	metrics        Recorder
	logger         *slog.Logger
}

func New(opts Options) *Executor {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = runtime.NumCPU()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		sem:            semaphore.NewWeighted(int64(opts.MaxParallel)),
		defaultTimeout: opts.DefaultTimeout,
		secrets:        opts.Secrets,
		confirmer:      opts.Confirmer,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
}

// Run executes req. Outcomes are reported through Result.Status; the error is
// non-nil only when ctx ends before or during execution or the request is
// malformed.
func (e *Executor) Run(ctx context.Context, req Request) (Result, error) {
	if len(req.Argv) == 0 && strings.TrimSpace(req.Shell) == "" {
		return Result{}, fmt.Errorf("executor: %s: empty command", req.Name)
	}

	if pending, blocked := e.Gate(req); blocked {
		e.record(pending)
		return pending, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		res := Result{Status: StatusCanceled, ExitCode: -1}
		e.record(res)
		return res, err
	}
	defer e.sem.Release(1)

	res, err := e.run(ctx, req)
	e.record(res)
	e.logger.Debug("command finished",
		"name", req.Name,
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration", res.Duration)
	return res, err
}

func (e *Executor) run(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := buildCommand(runCtx, req)
	SetProcGroup(cmd)
	cmd.Cancel = func() error {
		return KillProcGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	out := newCappedBuffer(maxCaptureBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	// stragglers that outlived the leader are part of the same tree
	_ = KillProcGroup(cmd)

	res := Result{Duration: duration}
	var err error
	switch {
	case ctx.Err() != nil:
		res.Status = StatusCanceled
		res.ExitCode = -1
		err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.ExitCode = -1
	case runErr == nil, leaderSucceeded(cmd, runErr):
		res.Status = StatusSuccess
	default:
		res.Status = StatusFailure
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			fmt.Fprintf(out, "%v", runErr)
		}
	}

	output := out.String()
	if res.Status == StatusTimeout {
		output += fmt.Sprintf("\n%s timed out after %s", req.Name, timeout)
	}
	output = req.Redactor.WithSecrets(e.secrets).Apply(output)
	res.Output, res.Truncated = Truncate(output, req.MaxOutputLines)
	return res, err
}

// Gate returns a pending result when the request needs a confirmation it
// does not carry. A valid token is consumed. Callers that do not go through
// Run use it to share the same confirmation round trip.
func (e *Executor) Gate(req Request) (Result, bool) {
	c := req.Confirm
	if !c.Required || c.Approved {
		return Result{}, false
	}

	prompt := c.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Execute %s?", req.Name)
	}

	if e.confirmer == nil {
		return Result{Status: StatusConfirmationPending, ExitCode: -1, Prompt: prompt}, true
	}

	if c.Token != "" {
		_, err := e.confirmer.Redeem(c.Token, c.Fingerprint)
		if err == nil {
			return Result{}, false
		}
		prompt = fmt.Sprintf("%s\n(%v)", prompt, err)
	}

	issued, err := e.confirmer.Issue(confirm.IssueInput{
		Target:      req.Name,
		Fingerprint: c.Fingerprint,
		Prompt:      prompt,
	})
	if err != nil {
		e.logger.Warn("issue confirmation token failed", "name", req.Name, "error", err)
		return Result{Status: StatusConfirmationPending, ExitCode: -1, Prompt: prompt}, true
	}
	return Result{Status: StatusConfirmationPending, ExitCode: -1, Prompt: prompt, Token: issued.Token}, true
}

func (e *Executor) record(res Result) {
	if e.metrics == nil {
		return
	}
	if _, err := e.metrics.RecordExecution(res.Duration, string(res.Status)); err != nil {
		e.logger.Debug("record execution metrics failed", "error", err)
	}
}

func buildCommand(ctx context.Context, req Request) *exec.Cmd {
	var cmd *exec.Cmd
	switch {
	case len(req.Argv) > 0:
		cmd = exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	case runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/C", req.Shell)
	default:
		cmd = exec.CommandContext(ctx, "sh", "-c", req.Shell)
	}
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	return cmd
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := extra[name]; override {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// leaderSucceeded reports whether the command exited zero and only a
// background descendant held its output open past WaitDelay. Those
// descendants are killed with the process group.
func leaderSucceeded(cmd *exec.Cmd, runErr error) bool {
	return errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success()
}
