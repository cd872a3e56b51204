package schemas

import (
	"context"
	"time"
)

// Planner is the narrow capability interface over the external reasoning
// service. One call is one request-response exchange; the implementation
// enforces its own API timeout independent of the caller's step budget.
//
// Errors are part of the contract: a *PlanningError is transient, a
// *UnplannableError is a final verdict. Any other error is treated as a
// planning error by the loop.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// BrowserSession is one isolated live browser context, bound 1:1 to a task.
// Execute performs a single action with a bounded wait and no internal retry;
// retry policy belongs to the execution loop.
type BrowserSession interface {
	ID() string

	// Execute performs the action and returns the resulting page snapshot.
	// Failures are reported as *ActionError.
	Execute(ctx context.Context, action Action) (*Observation, error)

	// Observe captures a snapshot without performing any action.
	Observe(ctx context.Context) (*Observation, error)

	// Close tears down the browser context and releases its pool slot.
	// Idempotent and always safe to call, even on a broken session.
	Close(ctx context.Context) error
}

// BrowserPool hands out isolated sessions up to a hard ceiling.
type BrowserPool interface {
	// Acquire returns a fresh session or ErrResourceExhausted immediately
	// when the pool is saturated. It never queues.
	Acquire(ctx context.Context) (BrowserSession, error)

	// Healthy reports whether the underlying browser process is reachable.
	Healthy(ctx context.Context) error

	// Shutdown drains active sessions and terminates the browser process.
	Shutdown(ctx context.Context) error
}

// Report is the formatted terminal (or in-flight) view of a task.
type Report struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Narrative string     `json:"narrative"`
	Steps     []Step     `json:"steps"`
}

// MessageRole distinguishes the two sides of a session transcript.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// Message is one entry in a session's conversation history. The timestamp is
// serialized as RFC3339, matching what the chat front end renders.
type Message struct {
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}
