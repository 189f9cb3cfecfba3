// Package router aggregates tool providers under namespaced names and routes
// every call through policy evaluation and confirmation before it reaches a
// provider.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/errgroup"

	"github.com/poni-dev/poni/internal/confirm"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/policy"
)

const (
	restartMaxAttempts = 3
	restartBaseBackoff = 250 * time.Millisecond
	maxSuggestions     = 3
)

// DecisionRecorder receives policy decision counts.
type DecisionRecorder interface {
	RecordDecision(action string)
}

// Options configures a Router.
type Options struct {
	Executor *executor.Executor
	Metrics  DecisionRecorder
	Logger   *slog.Logger
}

type providerState struct {
	p         Provider
	caps      []Capability
	available bool
	message   string
	// restartMu serializes restarts of this provider.
	restartMu sync.Mutex
	// gen increments on each (re)start so stale exit watchers are ignored.
	gen int
}

type route struct {
	state *providerState
	cap   Capability
	gen   int
}

// Router owns provider lifecycle. It is the only writer of availability.
type Router struct {
	exec    *executor.Executor
	metrics DecisionRecorder
	logger  *slog.Logger

	mu        sync.RWMutex
	providers map[string]*providerState
	routes    map[string]route

	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts Options, providers ...Provider) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Executor == nil {
		opts.Executor = executor.New(executor.Options{Logger: opts.Logger})
	}
	r := &Router{
		exec:      opts.Executor,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		providers: make(map[string]*providerState, len(providers)),
		routes:    make(map[string]route),
		closed:    make(chan struct{}),
	}
	for _, p := range providers {
		r.providers[p.Namespace()] = &providerState{p: p}
	}
	return r
}

// Start launches every provider concurrently. A provider that fails is marked
// unavailable and does not affect the others.
func (r *Router) Start(ctx context.Context) {
	var g errgroup.Group
	for _, name := range r.namespaces() {
		g.Go(func() error {
			if err := r.startProvider(ctx, name); err != nil {
				r.logger.Warn("provider unavailable", "provider", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops every provider.
func (r *Router) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })

	r.mu.Lock()
	states := slices.Collect(maps.Values(r.providers))
	for _, st := range states {
		st.available = false
	}
	r.routes = make(map[string]route)
	r.mu.Unlock()

	var errs []error
	for _, st := range states {
		if err := st.p.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", st.p.Namespace(), err))
		}
	}
	return errors.Join(errs...)
}

// Tools lists the capabilities of available providers, sorted by name.
func (r *Router) Tools() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.cap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Statuses reports every provider, sorted by name.
func (r *Router) Statuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for _, name := range r.sortedNamespacesLocked() {
		st := r.providers[name]
		out = append(out, ProviderStatus{
			Name:      name,
			Kind:      st.p.Kind(),
			Available: st.available,
			ToolCount: len(st.caps),
			Message:   st.message,
		})
	}
	return out
}

// Call routes one tool call. Policy outcomes and tool failures are reported
// in the Response; the error is reserved for unknown tools, unavailable
// providers and cancellation.
func (r *Router) Call(ctx context.Context, req ToolCallRequest) (Response, error) {
	rt, err := r.resolve(ctx, req.Name)
	if err != nil {
		return Response{}, err
	}

	args, token := splitArgs(req.Args)
	in, err := rt.state.p.Subject(ctx, rt.cap, args)
	if err != nil {
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			return Response{Outcome: OutcomeBlocked, Text: blocked.Msg, ExitCode: -1}, nil
		}
		return failedResponse(err), nil
	}

	decision := policy.NewEvaluator(rt.state.p.Policy()).Evaluate(in)
	if r.metrics != nil {
		r.metrics.RecordDecision(string(decision.Action))
	}

	switch decision.Action {
	case policy.ActionDeny:
		r.logger.Info("tool call blocked", "tool", req.Name, "rule", decision.Rule)
		return Response{
			Outcome:  OutcomeBlocked,
			Text:     fmt.Sprintf("Policy violation: %s\n\n%s", req.Name, decision.Diagnostic()),
			ExitCode: -1,
			Decision: decision,
		}, nil
	case policy.ActionRequireConfirmation:
		pending, blocked := r.exec.Gate(executor.Request{
			Name: req.Name,
			Confirm: executor.Confirmation{
				Required:    true,
				Prompt:      decision.Prompt(),
				Token:       token,
				Fingerprint: confirm.Fingerprint(req.Name, decision.Command),
				Approved:    req.Approved,
			},
		})
		if blocked {
			r.logger.Info("tool call awaiting confirmation", "tool", req.Name, "rule", decision.Rule)
			return Response{
				Outcome:      OutcomeConfirmationPending,
				Text:         confirmationText(pending),
				ExitCode:     -1,
				ConfirmToken: pending.Token,
				Decision:     decision,
			}, nil
		}
	}

	// A failed call is not retried: the provider may have acted on it before
	// the session died. The next call restarts the provider.
	resp, err := rt.state.p.Invoke(ctx, rt.cap, args)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		r.markDown(rt.state, rt.gen, fmt.Sprintf("call failed: %v", err))
		return Response{}, &UnavailableError{Provider: rt.state.p.Namespace(), Reason: err.Error()}
	}
	resp.Decision = decision
	return resp, nil
}

// resolve finds the route for name, restarting its provider when it is down.
func (r *Router) resolve(ctx context.Context, name string) (route, error) {
	r.mu.RLock()
	rt, ok := r.routes[name]
	var owner *providerState
	if !ok {
		owner = r.ownerLocked(name)
	}
	r.mu.RUnlock()

	if ok {
		return rt, nil
	}
	if owner == nil {
		return route{}, &NotFoundError{Name: name, Suggestions: r.suggest(name)}
	}

	ns := owner.p.Namespace()
	if err := r.restart(ctx, owner); err != nil {
		return route{}, &UnavailableError{Provider: ns, Reason: err.Error()}
	}

	r.mu.RLock()
	rt, ok = r.routes[name]
	r.mu.RUnlock()
	if !ok {
		return route{}, &NotFoundError{Name: name, Suggestions: r.suggest(name)}
	}
	return rt, nil
}

// ownerLocked returns the unavailable provider whose namespace prefixes name.
func (r *Router) ownerLocked(name string) *providerState {
	for ns, st := range r.providers {
		if st.available {
			continue
		}
		if name == ns || strings.HasPrefix(name, ns+".") {
			return st
		}
	}
	return nil
}

func (r *Router) restart(ctx context.Context, st *providerState) error {
	st.restartMu.Lock()
	defer st.restartMu.Unlock()

	r.mu.RLock()
	up := st.available
	r.mu.RUnlock()
	if up {
		return nil
	}

	ns := st.p.Namespace()
	var lastErr error
	for attempt := 1; attempt <= restartMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, attempt-1); err != nil {
				return err
			}
		}
		if lastErr = r.startProvider(ctx, ns); lastErr == nil {
			r.setMessage(st, fmt.Sprintf("recovered after %d restart attempt(s)", attempt))
			r.logger.Info("provider recovered", "provider", ns, "attempts", attempt)
			return nil
		}
	}
	r.setMessage(st, fmt.Sprintf("restart failed after %d attempts: %v", restartMaxAttempts, lastErr))
	return fmt.Errorf("restart failed after %d attempts: %w", restartMaxAttempts, lastErr)
}

func waitBackoff(ctx context.Context, retryIndex int) error {
	timer := time.NewTimer(time.Duration(retryIndex) * restartBaseBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Router) startProvider(ctx context.Context, ns string) error {
	r.mu.RLock()
	st := r.providers[ns]
	r.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("unknown provider %s", ns)
	}

	caps, err := st.p.Start(ctx)
	if err != nil {
		r.mu.Lock()
		st.available = false
		st.caps = nil
		st.message = err.Error()
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	for name, rt := range r.routes {
		if rt.state == st {
			delete(r.routes, name)
		}
	}
	st.gen++
	gen := st.gen
	registered := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if prev, dup := r.routes[c.Name]; dup {
			r.logger.Warn("duplicate tool name ignored", "tool", c.Name, "provider", ns, "owner", prev.state.p.Namespace())
			continue
		}
		r.routes[c.Name] = route{state: st, cap: c, gen: gen}
		registered = append(registered, c)
	}
	st.caps = registered
	st.available = true
	st.message = ""
	r.mu.Unlock()

	if done := st.p.Done(); done != nil {
		go r.watch(st, gen, done)
	}
	r.logger.Debug("provider started", "provider", ns, "tools", len(registered))
	return nil
}

func (r *Router) watch(st *providerState, gen int, done <-chan struct{}) {
	select {
	case <-done:
		r.markDown(st, gen, "process exited")
	case <-r.closed:
	}
}

// markDown withdraws a provider's routes unless it has been restarted since
// generation gen.
func (r *Router) markDown(st *providerState, gen int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.gen != gen || !st.available {
		return
	}
	st.available = false
	st.message = reason
	for name, rt := range r.routes {
		if rt.state == st {
			delete(r.routes, name)
		}
	}
	r.logger.Warn("provider went down", "provider", st.p.Namespace(), "reason", reason)
}

func (r *Router) setMessage(st *providerState, msg string) {
	r.mu.Lock()
	st.message = msg
	r.mu.Unlock()
}

func (r *Router) suggest(name string) []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.routes))
	for n := range r.routes {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	matches := fuzzy.Find(name, names)
	out := make([]string, 0, maxSuggestions)
	for _, m := range matches {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, m.Str)
	}
	return out
}

func (r *Router) namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamespacesLocked()
}

func (r *Router) sortedNamespacesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitArgs copies args without the confirmation token.
func splitArgs(args map[string]any) (map[string]any, string) {
	out := make(map[string]any, len(args))
	var token string
	for k, v := range args {
		if k == ConfirmTokenArg {
			token, _ = v.(string)
			continue
		}
		out[k] = v
	}
	return out, token
}

func confirmationText(pending executor.Result) string {
	var b strings.Builder
	b.WriteString("CONFIRMATION_REQUIRED: ")
	b.WriteString(pending.Prompt)
	if pending.Token != "" {
		fmt.Fprintf(&b, "\nTo proceed, call again with %s=%q.", ConfirmTokenArg, pending.Token)
	} else {
		b.WriteString("\nPlease confirm you want to execute this command.")
	}
	return b.String()
}
