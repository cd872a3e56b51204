package schemas

import "time"

// -- Task Schemas --

// TaskStatus tracks a task through the orchestration state machine.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusPlanning  TaskStatus = "planning"
	StatusActing    TaskStatus = "acting"
	StatusObserving TaskStatus = "observing"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusTimedOut  TaskStatus = "timed_out"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status will never change again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Task represents one submitted automation instruction and its execution trace.
// Once the status is terminal the struct is never mutated again.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Instruction string     `json:"instruction"`
	Status      TaskStatus `json:"status"`
	Steps       []Step     `json:"steps"`
	// Summary carries the planner's completion message on success, or the
	// failure reason on any other terminal status.
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// LastStep returns the most recent recorded step, or nil before any execution.
func (t *Task) LastStep() *Step {
	if len(t.Steps) == 0 {
		return nil
	}
	return &t.Steps[len(t.Steps)-1]
}

// Step records one executed browser action and its outcome within a task.
// Steps are append-only and totally ordered by Seq.
type Step struct {
	Seq         int           `json:"seq"`
	Action      Action        `json:"action"`
	Observation *Observation  `json:"observation,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Failed reports whether the step's action ended in an error.
func (s *Step) Failed() bool { return s.Error != "" }
