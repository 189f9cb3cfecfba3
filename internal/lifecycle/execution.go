package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/poni-dev/poni/internal/config"
)

// State is the position of a hook execution in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePassed    State = "passed"
	StateFailed    State = "failed"
	StateExhausted State = "exhausted"
)

// ErrHookExhausted is returned when an exhausted execution is asked to run
// again. Only Reset clears it.
var ErrHookExhausted = errors.New("lifecycle hook exhausted its retries")

// Execution tracks the attempts of one blocking hook across events:
// Pending -> Running -> Passed | Failed; Failed -> Running while attempts
// remain, otherwise Exhausted.
type Execution struct {
	Hook       string    `json:"hook" yaml:"hook"`
	State      State     `json:"state" yaml:"state"`
	Attempt    int       `json:"attempt" yaml:"attempt"`
	MaxRetries int       `json:"max_retries" yaml:"max_retries"`
	LastOutput string    `json:"last_output,omitempty" yaml:"last_output,omitempty"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

func NewExecution(hook string, maxRetries int) *Execution {
	if maxRetries <= 0 {
		maxRetries = config.DefaultMaxRetries
	}
	return &Execution{Hook: hook, State: StatePending, MaxRetries: maxRetries, UpdatedAt: time.Now().UTC()}
}

// Terminal reports whether no further transition is possible.
func (e *Execution) Terminal() bool {
	return e.State == StatePassed || e.State == StateExhausted
}

// Begin starts the next attempt.
func (e *Execution) Begin() error {
	switch e.State {
	case StatePending, StateFailed:
	case StateExhausted:
		return fmt.Errorf("%s: %w", e.Hook, ErrHookExhausted)
	default:
		return fmt.Errorf("%s: cannot begin from %s", e.Hook, e.State)
	}
	e.Attempt++
	e.State = StateRunning
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete records the outcome of the running attempt.
func (e *Execution) Complete(passed bool, output string) error {
	if e.State != StateRunning {
		return fmt.Errorf("%s: cannot complete from %s", e.Hook, e.State)
	}
	e.LastOutput = output
	e.UpdatedAt = time.Now().UTC()
	switch {
	case passed:
		e.State = StatePassed
	case e.Attempt >= e.MaxRetries:
		e.State = StateExhausted
	default:
		e.State = StateFailed
	}
	return nil
}
