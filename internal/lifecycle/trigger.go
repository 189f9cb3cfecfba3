package lifecycle

import (
	"fmt"
	"strings"

	"github.com/poni-dev/poni/internal/glob"
)

// EventKind names what happened in the agent workflow.
type EventKind string

const (
	KindAfterTool      EventKind = "after_tool"
	KindBeforeResponse EventKind = "before_response"
	KindOnFileChange   EventKind = "on_file_change"
)

// Event is one workflow occurrence hooks can react to.
type Event struct {
	Kind EventKind
	// Tool is set for after_tool events.
	Tool  string
	Files []string
}

// AfterToolEvent is fired when a proxied tool call completes.
func AfterToolEvent(tool string, files ...string) Event {
	return Event{Kind: KindAfterTool, Tool: tool, Files: files}
}

// BeforeResponseEvent is fired before the agent hands its turn back.
func BeforeResponseEvent() Event {
	return Event{Kind: KindBeforeResponse}
}

// FileChangeEvent is fired when files are written.
func FileChangeEvent(files ...string) Event {
	return Event{Kind: KindOnFileChange, Files: files}
}

// ParseEvent builds an event from a trigger string as written in hook
// configuration, e.g. "after_tool:poni.cli.git".
func ParseEvent(trigger string, files []string) (Event, error) {
	switch {
	case trigger == string(KindBeforeResponse):
		return Event{Kind: KindBeforeResponse, Files: files}, nil
	case trigger == string(KindOnFileChange):
		return FileChangeEvent(files...), nil
	case strings.HasPrefix(trigger, string(KindAfterTool)+":"):
		tool := strings.TrimPrefix(trigger, string(KindAfterTool)+":")
		if tool == "" || tool == "*" {
			return Event{}, fmt.Errorf("after_tool event needs a concrete tool name")
		}
		return AfterToolEvent(tool, files...), nil
	}
	return Event{}, fmt.Errorf("unknown trigger %q", trigger)
}

func (e Event) String() string {
	if e.Kind == KindAfterTool {
		return string(e.Kind) + ":" + e.Tool
	}
	return string(e.Kind)
}

// Trigger selects the events a hook runs on. The variants are the types
// below.
type Trigger interface {
	Matches(Event) bool
	String() string
	sealed()
}

// AfterTool matches completed calls of tools whose name matches Pattern.
type AfterTool struct{ Pattern string }

// AfterAnyTool matches every completed tool call.
type AfterAnyTool struct{}

type BeforeResponse struct{}

type OnFileChange struct{}

func (t AfterTool) Matches(e Event) bool {
	return e.Kind == KindAfterTool && (t.Pattern == e.Tool || glob.Match(t.Pattern, e.Tool))
}
func (t AfterTool) String() string { return "after_tool:" + t.Pattern }
func (AfterTool) sealed()          {}

func (AfterAnyTool) Matches(e Event) bool { return e.Kind == KindAfterTool }
func (AfterAnyTool) String() string       { return "after_tool:*" }
func (AfterAnyTool) sealed()              {}

func (BeforeResponse) Matches(e Event) bool { return e.Kind == KindBeforeResponse }
func (BeforeResponse) String() string       { return string(KindBeforeResponse) }
func (BeforeResponse) sealed()              {}

func (OnFileChange) Matches(e Event) bool { return e.Kind == KindOnFileChange }
func (OnFileChange) String() string       { return string(KindOnFileChange) }
func (OnFileChange) sealed()              {}

// ParseTrigger parses a hook trigger string.
func ParseTrigger(s string) (Trigger, error) {
	switch {
	case s == "after_tool:*":
		return AfterAnyTool{}, nil
	case s == string(KindBeforeResponse):
		return BeforeResponse{}, nil
	case s == string(KindOnFileChange):
		return OnFileChange{}, nil
	case strings.HasPrefix(s, "after_tool:") && len(s) > len("after_tool:"):
		return AfterTool{Pattern: strings.TrimPrefix(s, "after_tool:")}, nil
	}
	return nil, fmt.Errorf("unknown lifecycle trigger %q", s)
}
