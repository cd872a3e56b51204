// File: internal/engine/engine.go
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/session"
)

// Engine owns the per-task execution loops. Each submitted task gets its own
// goroutine, its own browser session, and its own state machine instance;
// tasks share nothing but the session registry, which synchronizes itself.
type Engine struct {
	cfg      config.EngineConfig
	logger   *zap.Logger
	planner  schemas.Planner
	pool     schemas.BrowserPool
	registry *session.Registry

	// OnTerminal, when set, is invoked exactly once per task after it reaches
	// a terminal status and its browser context is torn down. The service
	// layer uses it to append the result to the session transcript.
	OnTerminal func(task schemas.Task)

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// now is the clock used for result eviction, overridable in tests.
	now func() time.Time

	mu    sync.RWMutex
	tasks map[string]*taskRun

	wg sync.WaitGroup
}

// taskRun is the mutable per-task state. The running loop is the only writer
// of task fields; readers take snapshots under the mutex.
type taskRun struct {
	mu   sync.Mutex
	task schemas.Task

	cancelRequested atomic.Bool
	cancel          context.CancelFunc
	// done closes after the terminal transition and browser teardown, which
	// is what makes Cancel's "teardown before return" guarantee possible.
	done chan struct{}
}

// New creates an engine. Shutdown must be called to stop accepting work and
// drain running tasks.
func New(cfg config.EngineConfig, logger *zap.Logger, pl schemas.Planner, pool schemas.BrowserPool, registry *session.Registry) *Engine {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		logger:     logger.Named("engine"),
		planner:    pl,
		pool:       pool,
		registry:   registry,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		now:        func() time.Time { return time.Now().UTC() },
		tasks:      make(map[string]*taskRun),
	}
}

// Submit validates the session, reserves a browser context, and starts the
// execution loop for a new task. It fails fast: ErrSessionNotFound for an
// unknown session, ErrResourceExhausted when the pool is saturated. It never
// queues work.
func (e *Engine) Submit(ctx context.Context, sessionID, instruction string) (string, error) {
	if err := e.baseCtx.Err(); err != nil {
		return "", fmt.Errorf("engine is shut down: %w", err)
	}
	if _, err := e.registry.Lookup(sessionID); err != nil {
		return "", err
	}

	// The pool slot is claimed at submit time so saturation surfaces here,
	// as immediate backpressure, not halfway through the task.
	browserSession, err := e.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}

	if err := e.registry.Retain(sessionID); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.CloseTimeout)
		defer cancel()
		browserSession.Close(closeCtx)
		return "", err
	}

	taskCtx, cancelTask := context.WithTimeout(e.baseCtx, e.cfg.MaxDuration)

	tr := &taskRun{
		task: schemas.Task{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Instruction: instruction,
			Status:      schemas.StatusPending,
			CreatedAt:   time.Now().UTC(),
		},
		cancel: cancelTask,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.evictExpiredLocked()
	e.tasks[tr.task.ID] = tr
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(taskCtx, cancelTask, tr, browserSession)

	e.logger.Info("Task submitted",
		zap.String("task_id", tr.task.ID),
		zap.String("session_id", sessionID))
	return tr.task.ID, nil
}

// evictExpiredLocked drops terminal tasks whose results have outlived the
// retention window, keeping the task table bounded in a long-running process.
// Caller holds e.mu.
func (e *Engine) evictExpiredLocked() {
	cutoff := e.now().Add(-e.cfg.ResultTTL)
	for id, tr := range e.tasks {
		t := tr.snapshot()
		if t.Status.Terminal() && t.CompletedAt.Before(cutoff) {
			delete(e.tasks, id)
		}
	}
}

// Task returns a snapshot of the task's current state. The returned value is
// detached from the running loop and safe to hold.
func (e *Engine) Task(taskID string) (schemas.Task, error) {
	e.mu.RLock()
	tr, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return schemas.Task{}, schemas.ErrTaskNotFound
	}
	return tr.snapshot(), nil
}

// Done returns a channel that closes once the task is terminal and its
// browser context is torn down.
func (e *Engine) Done(taskID string) (<-chan struct{}, error) {
	e.mu.RLock()
	tr, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return nil, schemas.ErrTaskNotFound
	}
	return tr.done, nil
}

// Cancel requests cooperative cancellation and waits for the task's browser
// context to be torn down before returning. Idempotent: cancelling a terminal
// or already-cancelled task is a no-op.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.RLock()
	tr, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return schemas.ErrTaskNotFound
	}

	if tr.snapshot().Status.Terminal() {
		return nil
	}

	tr.cancelRequested.Store(true)
	tr.cancel()

	select {
	case <-tr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting submissions, cancels running tasks, and waits for
// their teardown up to the caller's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("Engine shutdown initiated.")

	e.mu.RLock()
	for _, tr := range e.tasks {
		tr.cancelRequested.Store(true)
	}
	e.mu.RUnlock()
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("All task loops drained.")
		return nil
	case <-ctx.Done():
		e.logger.Warn("Engine shutdown deadline exceeded.", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// snapshot copies the task state, detaching the step slice.
func (tr *taskRun) snapshot() schemas.Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.task
	t.Steps = make([]schemas.Step, len(tr.task.Steps))
	copy(t.Steps, tr.task.Steps)
	return t
}

func (tr *taskRun) setStatus(s schemas.TaskStatus) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.task.Status.Terminal() {
		tr.task.Status = s
	}
}

func (tr *taskRun) appendStep(step schemas.Step) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	step.Seq = len(tr.task.Steps) + 1
	tr.task.Steps = append(tr.task.Steps, step)
}

func (tr *taskRun) stepCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.task.Steps)
}

// finish applies the terminal transition. First writer wins; later calls are
// ignored, which keeps the "terminal exactly once" invariant trivial.
func (tr *taskRun) finish(status schemas.TaskStatus, summary string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.task.Status.Terminal() {
		return
	}
	tr.task.Status = status
	tr.task.Summary = summary
	tr.task.CompletedAt = time.Now().UTC()
}
