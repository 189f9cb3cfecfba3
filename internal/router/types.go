package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/poni-dev/poni/internal/policy"
)

// Kind identifies a provider implementation.
type Kind string

const (
	KindMCP    Kind = "mcp"
	KindCLI    Kind = "cli"
	KindScript Kind = "script"
)

// Outcome classifies a routed call.
type Outcome string

const (
	OutcomeOK                  Outcome = "ok"
	OutcomeBlocked             Outcome = "blocked"
	OutcomeConfirmationPending Outcome = "confirmation_pending"
	OutcomeFailed              Outcome = "failed"
	OutcomeTimeout             Outcome = "timeout"
)

// ConfirmTokenArg is the reserved argument that carries a confirmation token.
// It is stripped before policy evaluation and never reaches a provider.
const ConfirmTokenArg = "confirm_token"

var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// NotFoundError names an unknown tool and the closest registered names.
type NotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("tool not found: %s", e.Name)
	}
	return fmt.Sprintf("tool not found: %s (did you mean %s?)", e.Name, strings.Join(e.Suggestions, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrToolNotFound }

// UnavailableError reports a provider that is down and could not be restarted.
type UnavailableError struct {
	Provider string
	Reason   string
}

func (e *UnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("provider %s is unavailable", e.Provider)
	}
	return fmt.Sprintf("provider %s is unavailable: %s", e.Provider, e.Reason)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrProviderUnavailable }

// BlockedError is returned by Provider.Subject when a call is refused before
// policy evaluation, such as a tool run on a disallowed branch.
type BlockedError struct {
	Msg string
}

func (e *BlockedError) Error() string { return e.Msg }

// Capability is one callable tool registered under its qualified name.
type Capability struct {
	Name        string
	Tool        string
	Description string
	InputSchema map[string]any
	Provider    string
}

// ToolCallRequest is one call from the agent or the CLI.
type ToolCallRequest struct {
	Name string
	Args map[string]any
	// Approved skips confirmation, for a human at a terminal.
	Approved bool
}

// Response is the result of a routed call.
type Response struct {
	Outcome      Outcome
	Text         string
	ExitCode     int
	ConfirmToken string
	Decision     policy.Decision
	Duration     time.Duration
}

// IsError reports whether the agent should treat the response as an error.
func (r Response) IsError() bool {
	return r.Outcome != OutcomeOK
}

// ProviderStatus is the reported state of one provider.
type ProviderStatus struct {
	Name      string `yaml:"name"`
	Kind      Kind   `yaml:"kind"`
	Available bool   `yaml:"available"`
	ToolCount int    `yaml:"tools"`
	Message   string `yaml:"message,omitempty"`
}

// Provider is a source of capabilities. Only the Router calls Start and
// Stop, so provider lifecycle has a single writer.
type Provider interface {
	Namespace() string
	Kind() Kind
	// Start launches or probes the provider and returns its capabilities.
	// Calling Start on a started provider restarts it.
	Start(ctx context.Context) ([]Capability, error)
	Stop() error
	// Done is closed when a started provider goes down on its own. Providers
	// without a process return nil.
	Done() <-chan struct{}
	Policy() *policy.Set
	// Subject renders a call into the input the policy evaluator sees.
	Subject(ctx context.Context, c Capability, args map[string]any) (policy.Input, error)
	// Invoke runs an allowed call. A non-nil error means the provider itself
	// failed, not the tool.
	Invoke(ctx context.Context, c Capability, args map[string]any) (Response, error)
}
