// File: internal/service/service_test.go
package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/engine"
	"github.com/xkilldash9x/taskpilot/internal/session"
)

type fakeSession struct {
	exec    func(ctx context.Context, action schemas.Action) (*schemas.Observation, error)
	release func()
	once    sync.Once
}

func (f *fakeSession) ID() string { return "fake" }

func (f *fakeSession) Execute(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
	if f.exec != nil {
		return f.exec(ctx, action)
	}
	return &schemas.Observation{URL: "https://example.com/", Timestamp: time.Now().UTC()}, nil
}

func (f *fakeSession) Observe(ctx context.Context) (*schemas.Observation, error) {
	return &schemas.Observation{URL: "https://example.com/", Timestamp: time.Now().UTC()}, nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.once.Do(f.release)
	return nil
}

type fakePool struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	exec     func(ctx context.Context, action schemas.Action) (*schemas.Observation, error)
}

func (p *fakePool) Acquire(ctx context.Context) (schemas.BrowserSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse >= p.capacity {
		return nil, schemas.ErrResourceExhausted
	}
	p.inUse++
	return &fakeSession{
		exec: p.exec,
		release: func() {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
		},
	}, nil
}

func (p *fakePool) Healthy(ctx context.Context) error  { return nil }
func (p *fakePool) Shutdown(ctx context.Context) error { return nil }

type fakePlanner struct {
	plan func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error)
}

func (f *fakePlanner) Plan(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
	return f.plan(ctx, req)
}

func newTestService(t *testing.T, planner schemas.Planner, pool *fakePool) *Service {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := session.NewRegistry(config.SessionConfig{
		IdleTTL:       time.Minute,
		SweepInterval: time.Minute,
		HistoryLimit:  50,
	}, logger)
	eng := engine.New(config.EngineConfig{
		MaxSteps:          10,
		MaxDuration:       time.Minute,
		PlanAttempts:      2,
		PlanBackoff:       time.Millisecond,
		MaxActionFailures: 2,
		CloseTimeout:      time.Second,
	}, logger, planner, pool, registry)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, eng.Shutdown(ctx))
		registry.Close()
	})
	return New(logger, registry, eng, pool)
}

func TestSubmitRecordsInstructionAndResult(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return schemas.PlanResult{Verdict: schemas.VerdictComplete, Summary: "Looked it up: 42."}, nil
		},
	}
	svc := newTestService(t, planner, &fakePool{capacity: 1})

	sessionID := svc.OpenSession("")
	taskID, err := svc.SubmitTask(context.Background(), sessionID, "answer the question")
	require.NoError(t, err)

	report, err := svc.WaitForTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusSucceeded, report.Status)
	assert.Equal(t, "Looked it up: 42.", report.Narrative)

	// Both sides of the exchange are on the transcript by the time
	// WaitForTask returns.
	msgs, err := svc.History(sessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, schemas.RoleUser, msgs[0].Role)
	assert.Equal(t, "answer the question", msgs[0].Text)
	assert.Equal(t, schemas.RoleAgent, msgs[1].Role)
	assert.Equal(t, "Looked it up: 42.", msgs[1].Text)
}

func TestSubmitRejectsEmptyInstruction(t *testing.T) {
	svc := newTestService(t, &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return schemas.PlanResult{Verdict: schemas.VerdictComplete, Summary: "x"}, nil
		},
	}, &fakePool{capacity: 1})

	sessionID := svc.OpenSession("")
	_, err := svc.SubmitTask(context.Background(), sessionID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction")
}

func TestWaitForTaskReturnsProgressOnTimeout(t *testing.T) {
	actionStarted := make(chan struct{})
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			action := schemas.Action{Type: schemas.ActionWait}
			return schemas.PlanResult{Verdict: schemas.VerdictAction, Action: &action}, nil
		},
	}
	pool := &fakePool{capacity: 1}
	var once sync.Once
	pool.exec = func(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
		once.Do(func() { close(actionStarted) })
		<-ctx.Done()
		return nil, &schemas.ActionError{Action: action, Reason: schemas.ReasonDisconnectedSession, Err: ctx.Err()}
	}
	svc := newTestService(t, planner, pool)

	sessionID := svc.OpenSession("")
	taskID, err := svc.SubmitTask(context.Background(), sessionID, "take forever")
	require.NoError(t, err)
	<-actionStarted

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := svc.WaitForTask(waitCtx, taskID)
	require.NoError(t, err)
	// The task is still running; the caller gets the in-flight view.
	assert.False(t, report.Status.Terminal())

	require.NoError(t, svc.CancelTask(context.Background(), taskID))
	final, err := svc.TaskResult(taskID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCancelled, final.Status)
}

func TestOpenSessionIsStable(t *testing.T) {
	svc := newTestService(t, &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return schemas.PlanResult{Verdict: schemas.VerdictComplete, Summary: "x"}, nil
		},
	}, &fakePool{capacity: 1})

	id := svc.OpenSession("")
	assert.Equal(t, id, svc.OpenSession(id))
	assert.NotEqual(t, id, svc.OpenSession(""))
}

func TestClearHistory(t *testing.T) {
	planner := &fakePlanner{
		plan: func(ctx context.Context, req schemas.PlanRequest) (schemas.PlanResult, error) {
			return schemas.PlanResult{Verdict: schemas.VerdictComplete, Summary: "done"}, nil
		},
	}
	svc := newTestService(t, planner, &fakePool{capacity: 1})

	sessionID := svc.OpenSession("")
	taskID, err := svc.SubmitTask(context.Background(), sessionID, "something")
	require.NoError(t, err)
	_, err = svc.WaitForTask(context.Background(), taskID)
	require.NoError(t, err)

	require.NoError(t, svc.ClearHistory(sessionID))
	msgs, err := svc.History(sessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, svc.ClearHistory("ghost"), schemas.ErrSessionNotFound)
}
