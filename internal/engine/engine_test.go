// File: internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Fakes --

// fakeSession is an in-memory stand-in for a browser context. The exec hook
// decides the outcome of each action.
type fakeSession struct {
	id           string
	exec         func(ctx context.Context, action schemas.Action) (*schemas.Observation, error)
	closeCalls   atomic.Int32
	observeCalls atomic.Int32
	release      func()
	releaseOne   sync.Once
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Execute(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
	if f.exec != nil {
		return f.exec(ctx, action)
	}
	return &schemas.Observation{
		URL:       "https://example.com/",
		Title:     "Example",
		Timestamp: time.Now().UTC(),
	}, nil
}

func (f *fakeSession) Observe(ctx context.Context) (*schemas.Observation, error) {
	f.observeCalls.Add(1)
	return &schemas.Observation{URL: "about:blank", Timestamp: time.Now().UTC()}, nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closeCalls.Add(1)
	f.releaseOne.Do(f.release)
	return nil
}

// fakePool enforces the same hard ceiling semantics as the real manager:
// saturation fails immediately, a closed session frees its slot.
type fakePool struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	exec     func(ctx context.Context, action schemas.Action) (*schemas.Observation, error)
	sessions []*fakeSession
}

func (p *fakePool) Acquire(ctx context.Context) (schemas.BrowserSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse >= p.capacity {
		return nil, schemas.ErrResourceExhausted
	}
	p.inUse++
	fs := &fakeSession{
		id:   fmt.Sprintf("sess-%d", len(p.sessions)+1),
		exec: p.exec,
		release: func() {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
		},
	}
	p.sessions = append(p.sessions, fs)
	return fs, nil
}

func (p *fakePool) Healthy(ctx context.Context) error { return nil }

func (p *fakePool) Shutdown(ctx context.Context) error { return nil }

// fakePlanner routes every planning round through a single hook.
type fakePlanner struct {
	plan func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error)
}

func (f *fakePlanner) Plan(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
	return f.plan(ctx, req)
}

// -- Helpers --

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxSteps:          10,
		MaxDuration:       time.Minute,
		PlanAttempts:      3,
		PlanBackoff:       time.Millisecond,
		MaxActionFailures: 3,
		CloseTimeout:      time.Second,
		ResultTTL:         time.Hour,
	}
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, planner schemas.Planner, pool *fakePool) (*Engine, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := session.NewRegistry(config.SessionConfig{
		IdleTTL:       time.Minute,
		SweepInterval: time.Minute,
		HistoryLimit:  50,
	}, logger)
	sessionID := registry.CreateOrGet("").ID

	eng := New(cfg, logger, planner, pool, registry)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, eng.Shutdown(ctx))
		registry.Close()
	})
	return eng, sessionID
}

func waitTerminal(t *testing.T, eng *Engine, taskID string) schemas.Task {
	t.Helper()
	done, err := eng.Done(taskID)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not reach a terminal state in time")
	}
	task, err := eng.Task(taskID)
	require.NoError(t, err)
	require.True(t, task.Status.Terminal())
	return task
}

func completeResult(summary string) schemas.PlanResult {
	return schemas.PlanResult{Verdict: schemas.VerdictComplete, Summary: summary}
}

func actionResult(action schemas.Action) schemas.PlanResult {
	return schemas.PlanResult{Verdict: schemas.VerdictAction, Action: &action}
}

// -- Tests --

func TestTaskSucceedsWithoutActions(t *testing.T) {
	// A task the planner can answer outright executes no actions.
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return completeResult("Nothing to do: the answer is 42."), nil
		},
	}
	pool := &fakePool{capacity: 1}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "what is six times seven?")
	require.NoError(t, err)

	task := waitTerminal(t, eng, taskID)
	assert.Equal(t, schemas.StatusSucceeded, task.Status)
	assert.Equal(t, "Nothing to do: the answer is 42.", task.Summary)
	assert.Empty(t, task.Steps)

	require.Len(t, pool.sessions, 1)
	assert.Equal(t, int32(1), pool.sessions[0].closeCalls.Load())
}

func TestTaskExecutesActionsUntilComplete(t *testing.T) {
	var rounds atomic.Int32
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			switch rounds.Add(1) {
			case 1:
				return actionResult(schemas.Action{Type: schemas.ActionNavigate, Value: "https://example.com"}), nil
			case 2:
				// The previous observation must be visible to the planner.
				if req.Observation == nil {
					return schemas.PlanResult{}, &schemas.PlanningError{Err: errors.New("no observation carried forward")}
				}
				return actionResult(schemas.Action{Type: schemas.ActionClick, Selector: "#more"}), nil
			default:
				return completeResult("Clicked through and done."), nil
			}
		},
	}
	pool := &fakePool{capacity: 1}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "open example.com and click more")
	require.NoError(t, err)

	task := waitTerminal(t, eng, taskID)
	assert.Equal(t, schemas.StatusSucceeded, task.Status)
	require.Len(t, task.Steps, 2)
	assert.Equal(t, 1, task.Steps[0].Seq)
	assert.Equal(t, 2, task.Steps[1].Seq)
	assert.Equal(t, schemas.ActionNavigate, task.Steps[0].Action.Type)
	assert.Equal(t, schemas.ActionClick, task.Steps[1].Action.Type)
	require.NotNil(t, task.Steps[0].Observation)
	assert.False(t, task.Steps[0].Failed())
}

func TestUnplannableInstructionFails(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return schemas.PlanResult{}, &schemas.UnplannableError{Reason: "the instruction is self-contradictory"}
		},
	}
	pool := &fakePool{capacity: 1}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "do and do not open the page")
	require.NoError(t, err)

	task := waitTerminal(t, eng, taskID)
	assert.Equal(t, schemas.StatusFailed, task.Status)
	assert.Contains(t, task.Summary, "self-contradictory")
	// Unplannable is a verdict, not a transport failure: no retries, no steps.
	assert.Empty(t, task.Steps)
}

func TestPlanningErrorsRetriedThenFail(t *testing.T) {
	var calls atomic.Int32
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			calls.Add(1)
			return schemas.PlanResult{}, &schemas.PlanningError{Err: errors.New("model returned prose instead of JSON")}
		},
	}
	pool := &fakePool{capacity: 1}
	cfg := testEngineConfig()
	cfg.PlanAttempts = 2
	eng, sessionID := newTestEngine(t, cfg, planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "summarize the page")
	require.NoError(t, err)

	task := waitTerminal(t, eng, taskID)
	assert.Equal(t, schemas.StatusFailed, task.Status)
	assert.Contains(t, task.Summary, "planning failed after 2 attempts")
	assert.Equal(t, int32(2), calls.Load())
}

func TestActionFailuresReplanUpToCeiling(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			// The planner keeps suggesting the same doomed click; the failure
			// history must be visible on every replan.
			if n := len(req.Steps); n > 0 {
				last := req.Steps[n-1]
				if !last.Failed() {
					return schemas.PlanResult{}, &schemas.PlanningError{Err: errors.New("expected failed step in history")}
				}
			}
			return actionResult(schemas.Action{Type: schemas.ActionClick, Selector: "#checkout"}), nil
		},
	}
	pool := &fakePool{capacity: 1}
	pool.exec = func(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
		return nil, &schemas.ActionError{
			Action: action,
			Reason: schemas.ReasonElementNotFound,
			Err:    errors.New("could not find node #checkout"),
		}
	}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "click the checkout button")
	require.NoError(t, err)

	task := waitTerminal(t, eng, taskID)
	assert.Equal(t, schemas.StatusFailed, task.Status)
	assert.Contains(t, task.Summary, "3 consecutive action failures")
	// The narrative source material must name the missing target.
	assert.Contains(t, task.Summary, "#checkout")
	require.Len(t, task.Steps, 3)
	for _, step := range task.Steps {
		assert.True(t, step.Failed())
	}
}

func TestStepBudgetExhaustionTimesOut(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return actionResult(schemas.Action{Type: schemas.ActionClick, Selector: "#next"}), nil
		},
	}
	pool := &fakePool{capacity: 1}
	cfg := testEngineConfig()
	cfg.MaxSteps = 2
	eng, sessionID := newTestEngine(t, cfg, planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "page through everything")
	require.NoError(t, err)

	task := waitTerminal(t, eng, taskID)
	assert.Equal(t, schemas.StatusTimedOut, task.Status)
	assert.Contains(t, task.Summary, "step budget of 2")
	// The budget is enforced before execution: the extra action never runs.
	assert.Len(t, task.Steps, 2)
}

func TestWallClockBudgetTimesOut(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return actionResult(schemas.Action{Type: schemas.ActionWait}), nil
		},
	}
	pool := &fakePool{capacity: 1}
	pool.exec = func(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
		<-ctx.Done()
		return nil, &schemas.ActionError{Action: action, Reason: schemas.ReasonNavigationTimeout, Err: ctx.Err()}
	}
	cfg := testEngineConfig()
	cfg.MaxDuration = 50 * time.Millisecond
	eng, sessionID := newTestEngine(t, cfg, planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "wait forever")
	require.NoError(t, err)

	task := waitTerminal(t, eng, taskID)
	assert.Equal(t, schemas.StatusTimedOut, task.Status)
	assert.Contains(t, task.Summary, "wall-clock budget")

	require.Len(t, pool.sessions, 1)
	assert.Equal(t, int32(1), pool.sessions[0].closeCalls.Load())
}

func TestCancelMidActionTearsDownBeforeReturn(t *testing.T) {
	actionStarted := make(chan struct{})
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return actionResult(schemas.Action{Type: schemas.ActionClick, Selector: "#slow"}), nil
		},
	}
	pool := &fakePool{capacity: 1}
	var startedOnce sync.Once
	pool.exec = func(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
		startedOnce.Do(func() { close(actionStarted) })
		<-ctx.Done()
		return nil, &schemas.ActionError{Action: action, Reason: schemas.ReasonDisconnectedSession, Err: ctx.Err()}
	}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "click the slow thing")
	require.NoError(t, err)

	select {
	case <-actionStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("action never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Cancel(ctx, taskID))

	// By the time Cancel returns the browser context must be gone.
	require.Len(t, pool.sessions, 1)
	assert.Equal(t, int32(1), pool.sessions[0].closeCalls.Load())

	task, err := eng.Task(taskID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCancelled, task.Status)
	assert.Equal(t, "cancelled by caller", task.Summary)

	// Cancelling again is a no-op.
	require.NoError(t, eng.Cancel(ctx, taskID))
	assert.Equal(t, int32(1), pool.sessions[0].closeCalls.Load())
}

func TestSubmitUnknownSession(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return completeResult("unused"), nil
		},
	}
	eng, _ := newTestEngine(t, testEngineConfig(), planner, &fakePool{capacity: 1})

	_, err := eng.Submit(context.Background(), "no-such-session", "anything")
	assert.ErrorIs(t, err, schemas.ErrSessionNotFound)
}

func TestSubmitPoolSaturated(t *testing.T) {
	actionStarted := make(chan struct{})
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			if req.Instruction == "occupy the only slot" {
				return actionResult(schemas.Action{Type: schemas.ActionWait}), nil
			}
			return completeResult("done"), nil
		},
	}
	pool := &fakePool{capacity: 1}
	var startedOnce sync.Once
	pool.exec = func(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
		startedOnce.Do(func() { close(actionStarted) })
		<-ctx.Done()
		return nil, &schemas.ActionError{Action: action, Reason: schemas.ReasonDisconnectedSession, Err: ctx.Err()}
	}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	first, err := eng.Submit(context.Background(), sessionID, "occupy the only slot")
	require.NoError(t, err)
	<-actionStarted

	// Saturation is reported immediately; nothing queues.
	_, err = eng.Submit(context.Background(), sessionID, "one too many")
	assert.ErrorIs(t, err, schemas.ErrResourceExhausted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Cancel(ctx, first))

	// The freed slot is usable again.
	second, err := eng.Submit(context.Background(), sessionID, "after the slot freed")
	require.NoError(t, err)
	waitTerminal(t, eng, second)
}

func TestConcurrentTasksAreIsolated(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			if len(req.Steps) == 0 {
				return actionResult(schemas.Action{Type: schemas.ActionNavigate, Value: "https://example.com/" + req.Instruction}), nil
			}
			return completeResult("done: " + req.Instruction), nil
		},
	}
	pool := &fakePool{capacity: 2}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	a, err := eng.Submit(context.Background(), sessionID, "alpha")
	require.NoError(t, err)
	b, err := eng.Submit(context.Background(), sessionID, "beta")
	require.NoError(t, err)

	taskA := waitTerminal(t, eng, a)
	taskB := waitTerminal(t, eng, b)

	assert.Equal(t, schemas.StatusSucceeded, taskA.Status)
	assert.Equal(t, schemas.StatusSucceeded, taskB.Status)
	assert.Equal(t, "done: alpha", taskA.Summary)
	assert.Equal(t, "done: beta", taskB.Summary)
	require.Len(t, taskA.Steps, 1)
	assert.Contains(t, taskA.Steps[0].Action.Value, "alpha")
	require.Len(t, taskB.Steps, 1)
	assert.Contains(t, taskB.Steps[0].Action.Value, "beta")

	// Two distinct browser contexts, each closed exactly once.
	require.Len(t, pool.sessions, 2)
	assert.NotEqual(t, pool.sessions[0].ID(), pool.sessions[1].ID())
	assert.Equal(t, int32(1), pool.sessions[0].closeCalls.Load())
	assert.Equal(t, int32(1), pool.sessions[1].closeCalls.Load())
}

func TestOnTerminalFiresAfterTeardown(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return completeResult("finished"), nil
		},
	}
	pool := &fakePool{capacity: 1}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	terminal := make(chan schemas.Task, 1)
	eng.OnTerminal = func(task schemas.Task) {
		// The browser context must already be closed when the hook runs.
		assert.Equal(t, int32(1), pool.sessions[0].closeCalls.Load())
		terminal <- task
	}

	_, err := eng.Submit(context.Background(), sessionID, "quick one")
	require.NoError(t, err)

	select {
	case task := <-terminal:
		assert.Equal(t, schemas.StatusSucceeded, task.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal hook never fired")
	}
}

func TestFirstPlanSeesFreshTabObservation(t *testing.T) {
	// The planner must see the page state before any action runs, so the
	// very first request already carries a snapshot.
	var firstObs *schemas.Observation
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			if firstObs == nil {
				firstObs = req.Observation
			}
			return completeResult("no browsing needed"), nil
		},
	}
	pool := &fakePool{capacity: 1}
	eng, sessionID := newTestEngine(t, testEngineConfig(), planner, pool)

	taskID, err := eng.Submit(context.Background(), sessionID, "look at the page")
	require.NoError(t, err)
	waitTerminal(t, eng, taskID)

	require.NotNil(t, firstObs)
	assert.Equal(t, "about:blank", firstObs.URL)
	require.Len(t, pool.sessions, 1)
	assert.Equal(t, int32(1), pool.sessions[0].observeCalls.Load())
}

func TestFinishedTasksEvictedAfterResultTTL(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return completeResult("done"), nil
		},
	}
	pool := &fakePool{capacity: 1}
	cfg := testEngineConfig()
	cfg.ResultTTL = time.Minute
	eng, sessionID := newTestEngine(t, cfg, planner, pool)

	oldID, err := eng.Submit(context.Background(), sessionID, "first errand")
	require.NoError(t, err)
	waitTerminal(t, eng, oldID)

	// Still queryable inside the retention window, even across submits.
	midID, err := eng.Submit(context.Background(), sessionID, "second errand")
	require.NoError(t, err)
	waitTerminal(t, eng, midID)
	_, err = eng.Task(oldID)
	require.NoError(t, err)

	// Once the window passes, the next submit sweeps the stale results.
	eng.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	newID, err := eng.Submit(context.Background(), sessionID, "third errand")
	require.NoError(t, err)
	waitTerminal(t, eng, newID)

	_, err = eng.Task(oldID)
	assert.ErrorIs(t, err, schemas.ErrTaskNotFound)
	_, err = eng.Task(midID)
	assert.ErrorIs(t, err, schemas.ErrTaskNotFound)
	_, err = eng.Task(newID)
	assert.NoError(t, err)
}
