// File: internal/planner/planner.go
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
)

// LLMPlanner implements schemas.Planner on top of an LLMClient. One Plan call
// is one request-response exchange: the instruction, the step history
// (including failed actions and their errors), and the latest observation go
// in; a single strict JSON verdict comes out.
//
// Anything the model returns that cannot be executed verbatim (unknown
// action type, missing parameters, unparseable JSON) is a *PlanningError,
// never silently corrected. Executing a guessed step is worse than retrying.
type LLMPlanner struct {
	cfg    config.PlannerConfig
	logger *zap.Logger
	client LLMClient
}

// New creates a planner backed by the configured provider.
func New(cfg config.PlannerConfig, logger *zap.Logger) (*LLMPlanner, error) {
	var client LLMClient
	var err error
	switch cfg.Provider {
	case config.ProviderGemini:
		client, err = NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown planner provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return NewWithClient(cfg, logger, client), nil
}

// NewWithClient wires an explicit client. Used by tests and custom providers.
func NewWithClient(cfg config.PlannerConfig, logger *zap.Logger, client LLMClient) *LLMPlanner {
	return &LLMPlanner{
		cfg:    cfg,
		logger: logger.Named("planner"),
		client: client,
	}
}

// Plan asks the reasoning service for the next verdict.
func (p *LLMPlanner) Plan(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
	userPrompt, err := p.buildUserPrompt(req)
	if err != nil {
		return schemas.PlanResult{}, &schemas.PlanningError{Err: err}
	}

	response, err := p.client.GenerateResponse(ctx, GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Options: GenerationOptions{
			Temperature:     p.cfg.Temperature,
			MaxTokens:       p.cfg.MaxTokens,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return schemas.PlanResult{}, &schemas.PlanningError{Err: err}
	}

	result, err := p.parseResponse(response)
	if err != nil {
		p.logger.Warn("Rejected malformed planner output",
			zap.String("raw_response", truncate(response, 512)), zap.Error(err))
		return schemas.PlanResult{}, &schemas.PlanningError{Err: err}
	}
	return result, nil
}

const systemPrompt = `You are the planning mind of an autonomous browser agent.
You receive a task instruction, the history of steps taken so far (with their outcomes), and a snapshot of the current page.
You must respond ONLY with a single JSON object, exactly one of:

Next action:
  {"verdict": "ACTION", "action": {"type": "NAVIGATE", "value": "<URL>", "rationale": "..."}}
  {"verdict": "ACTION", "action": {"type": "CLICK", "selector": "<CSS_SELECTOR>", "rationale": "..."}}
  {"verdict": "ACTION", "action": {"type": "INPUT_TEXT", "selector": "<CSS_SELECTOR>", "value": "<TEXT>", "rationale": "..."}}
  {"verdict": "ACTION", "action": {"type": "EXTRACT", "selector": "<CSS_SELECTOR>", "rationale": "..."}}
  {"verdict": "ACTION", "action": {"type": "WAIT", "metadata": {"duration_ms": 1000}, "rationale": "..."}}

Task complete (also the right verdict when the instruction needs no browser at all - answer in the summary):
  {"verdict": "COMPLETE", "summary": "<result for the user>"}

Cannot proceed:
  {"verdict": "UNPLANNABLE", "reason": "<why the task cannot be done>"}

Rules:
1. Use only the CSS selectors present in the page snapshot.
2. If a previous step failed, do not repeat the identical action; choose a different approach or conclude.
3. Prefer the smallest number of actions that satisfies the instruction.`

// promptStep is the compact step view serialized into the prompt.
type promptStep struct {
	Seq    int    `json:"seq"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
	Result string `json:"result,omitempty"`
}

func (p *LLMPlanner) buildUserPrompt(req schemas.PlanRequest) (string, error) {
	steps := req.Steps
	if w := p.cfg.HistoryWindow; w > 0 && len(steps) > w {
		steps = steps[len(steps)-w:]
	}

	history := make([]promptStep, 0, len(steps))
	for _, s := range steps {
		ps := promptStep{Seq: s.Seq, Action: s.Action.Describe(), Error: s.Error}
		if s.Observation != nil && s.Observation.Extracted != "" {
			ps.Result = truncate(s.Observation.Extracted, 400)
		}
		history = append(history, ps)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to marshal step history: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task instruction: %s\n\n", req.Instruction)
	fmt.Fprintf(&sb, "Steps so far (%d executed):\n%s\n\n", len(req.Steps), historyJSON)

	if req.Observation != nil {
		obsJSON, err := json.Marshal(req.Observation)
		if err != nil {
			return "", fmt.Errorf("failed to marshal observation: %w", err)
		}
		fmt.Fprintf(&sb, "Current page snapshot:\n%s\n\n", obsJSON)
	} else {
		sb.WriteString("No page has been loaded yet.\n\n")
	}

	sb.WriteString("Determine the next verdict. Respond with a single JSON object.")
	return sb.String(), nil
}

var jsonBlockRegex = regexp.MustCompile("(?s)(?:```json\\s*|)(\\{.*\\})(?:```|)")

// parseResponse unmarshals and validates the model's verdict.
func (p *LLMPlanner) parseResponse(response string) (schemas.PlanResult, error) {
	response = strings.TrimSpace(response)

	jsonString := response
	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		jsonString = matches[1]
	}

	var result schemas.PlanResult
	if err := json.Unmarshal([]byte(jsonString), &result); err != nil {
		return schemas.PlanResult{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	switch result.Verdict {
	case schemas.VerdictAction:
		if result.Action == nil {
			return schemas.PlanResult{}, fmt.Errorf("ACTION verdict missing the action object")
		}
		if err := result.Action.Validate(); err != nil {
			return schemas.PlanResult{}, fmt.Errorf("rejected planned action: %w", err)
		}
	case schemas.VerdictComplete:
		if strings.TrimSpace(result.Summary) == "" {
			return schemas.PlanResult{}, fmt.Errorf("COMPLETE verdict missing a summary")
		}
	case schemas.VerdictUnplannable:
		if strings.TrimSpace(result.Reason) == "" {
			result.Reason = "the reasoning service declined without a stated reason"
		}
	default:
		return schemas.PlanResult{}, fmt.Errorf("unknown verdict %q", result.Verdict)
	}

	return result, nil
}
