package schemas

import "fmt"

// ActionType defines the primitive browser operations the planner may request.
type ActionType string

const (
	ActionNavigate  ActionType = "NAVIGATE"
	ActionClick     ActionType = "CLICK"
	ActionInputText ActionType = "INPUT_TEXT"
	ActionExtract   ActionType = "EXTRACT"
	ActionWait      ActionType = "WAIT"
)

// KnownActionType reports whether t is one of the executable action types.
// Anything else coming back from the planner is treated as a planning error,
// never executed.
func KnownActionType(t ActionType) bool {
	switch t {
	case ActionNavigate, ActionClick, ActionInputText, ActionExtract, ActionWait:
		return true
	}
	return false
}

// Action is a single concrete step decided by the planner.
type Action struct {
	Type     ActionType     `json:"type"`
	Selector string         `json:"selector,omitempty"`
	Value    string         `json:"value,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Rationale is the planner's stated reason for the action. Carried in the
	// step log so failure narratives can explain what was being attempted.
	Rationale string `json:"rationale,omitempty"`
}

// Validate checks that the action carries the parameters its type requires.
func (a Action) Validate() error {
	if !KnownActionType(a.Type) {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	switch a.Type {
	case ActionNavigate:
		if a.Value == "" {
			return fmt.Errorf("%s requires a url in 'value'", a.Type)
		}
	case ActionClick, ActionExtract:
		if a.Selector == "" {
			return fmt.Errorf("%s requires a 'selector'", a.Type)
		}
	case ActionInputText:
		if a.Selector == "" {
			return fmt.Errorf("%s requires a 'selector'", a.Type)
		}
	}
	return nil
}

// WaitDurationMs resolves the wait duration for an ActionWait, tolerating the
// float64 numbers produced by JSON decoding.
func (a Action) WaitDurationMs() int {
	if ms, ok := a.Metadata["duration_ms"].(float64); ok && ms > 0 {
		return int(ms)
	}
	if ms, ok := a.Metadata["duration_ms"].(int); ok && ms > 0 {
		return ms
	}
	return 1000
}

// Describe renders the action for logs and narratives, e.g. `CLICK "#submit"`.
func (a Action) Describe() string {
	switch a.Type {
	case ActionNavigate:
		return fmt.Sprintf("%s %q", a.Type, a.Value)
	case ActionInputText:
		return fmt.Sprintf("%s %q", a.Type, a.Selector)
	case ActionWait:
		return fmt.Sprintf("%s %dms", a.Type, a.WaitDurationMs())
	default:
		return fmt.Sprintf("%s %q", a.Type, a.Selector)
	}
}
