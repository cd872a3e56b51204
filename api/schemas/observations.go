package schemas

import "time"

// -- Observation Schemas --

// PageElement is one visible interactive element in an observation snapshot.
type PageElement struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
}

// Observation is a snapshot of browser state sufficient for planning: where we
// are, what the page is called, and what can be interacted with. It is captured
// after every action and retained only inside the producing task's step log.
type Observation struct {
	URL       string        `json:"url"`
	Title     string        `json:"title"`
	Elements  []PageElement `json:"elements,omitempty"`
	Extracted string        `json:"extracted,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// -- Planner Verdicts --

// Verdict is the planner's decision for one planning round.
type Verdict string

const (
	// VerdictAction instructs the loop to execute the attached action.
	VerdictAction Verdict = "ACTION"
	// VerdictComplete declares the task done; Summary holds the result text.
	VerdictComplete Verdict = "COMPLETE"
	// VerdictUnplannable declares the reasoning service cannot proceed.
	// This is a legitimate answer, not a transport failure.
	VerdictUnplannable Verdict = "UNPLANNABLE"
)

// PlanResult is exactly one of: a next action, a completion, or a refusal.
type PlanResult struct {
	Verdict Verdict `json:"verdict"`
	Action  *Action `json:"action,omitempty"`
	Summary string  `json:"summary,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// PlanRequest carries everything the planner sees for one round: the original
// instruction, the full step history (including failed actions and their
// errors, which is what makes replanning possible), and the latest snapshot.
type PlanRequest struct {
	Instruction string
	Steps       []Step
	Observation *Observation
}
