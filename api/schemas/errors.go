package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across the service boundary.
var (
	// ErrSessionNotFound is returned when a task references a session id the
	// registry does not know.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTaskNotFound is returned for lookups of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrResourceExhausted is returned immediately when the browser pool is
	// saturated. Callers get backpressure instead of an unbounded queue.
	ErrResourceExhausted = errors.New("browser pool exhausted")
)

// ActionFailureReason classifies why a browser action failed.
type ActionFailureReason string

const (
	ReasonElementNotFound     ActionFailureReason = "element_not_found"
	ReasonNavigationTimeout   ActionFailureReason = "navigation_timeout"
	ReasonBlockedInteraction  ActionFailureReason = "blocked_interaction"
	ReasonDisconnectedSession ActionFailureReason = "disconnected_session"
)

// ActionError reports the failure of a single browser action. It carries the
// action and a classified reason so the planner can replan around it and the
// final narrative can name the missing target.
type ActionError struct {
	Action Action
	Reason ActionFailureReason
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed (%s): %v", e.Action.Describe(), e.Reason, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// PlanningError reports that the planner exchange itself failed: network
// error, timeout, or output that cannot be executed. It is transient and
// retried with backoff, unlike an UnplannableError.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string { return fmt.Sprintf("planning failed: %v", e.Err) }
func (e *PlanningError) Unwrap() error { return e.Err }

// UnplannableError reports that the reasoning service explicitly declined to
// proceed. Never retried; it surfaces directly as task failure.
type UnplannableError struct {
	Reason string
}

func (e *UnplannableError) Error() string { return fmt.Sprintf("unplannable: %s", e.Reason) }
