// File: internal/service/service.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/engine"
	"github.com/xkilldash9x/taskpilot/internal/results"
	"github.com/xkilldash9x/taskpilot/internal/session"
)

// Service is the single surface the transport layer consumes: task
// submission and lifecycle, session transcripts, and liveness. It owns the
// glue between the registry, the engine, and the result formatter; transports
// stay thin request/response shims.
type Service struct {
	logger   *zap.Logger
	registry *session.Registry
	engine   *engine.Engine
	pool     schemas.BrowserPool
}

// New wires the facade and hooks the engine's terminal callback so every
// finished task lands in its session transcript.
func New(logger *zap.Logger, registry *session.Registry, eng *engine.Engine, pool schemas.BrowserPool) *Service {
	s := &Service{
		logger:   logger.Named("service"),
		registry: registry,
		engine:   eng,
		pool:     pool,
	}

	eng.OnTerminal = func(task schemas.Task) {
		report := results.Format(task)
		if err := registry.Append(task.SessionID, schemas.RoleAgent, report.Narrative); err != nil {
			// The session may have been cleared while the task ran; the task
			// result itself is still retrievable by id.
			s.logger.Debug("Could not append result to session transcript",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return s
}

// SubmitTask records the instruction on the session transcript and starts a
// task for it. The session must already exist (OpenSession creates one);
// pool saturation is returned immediately as ErrResourceExhausted.
func (s *Service) SubmitTask(ctx context.Context, sessionID, instruction string) (string, error) {
	if instruction == "" {
		return "", fmt.Errorf("instruction must not be empty")
	}

	taskID, err := s.engine.Submit(ctx, sessionID, instruction)
	if err != nil {
		return "", err
	}

	if err := s.registry.Append(sessionID, schemas.RoleUser, instruction); err != nil {
		s.logger.Warn("Task started but transcript append failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
	return taskID, nil
}

// OpenSession resolves or creates the session and returns its id.
func (s *Service) OpenSession(id string) string {
	return s.registry.CreateOrGet(id).ID
}

// TaskResult returns the formatted report for a task. While the task is
// non-terminal the report reflects its current progress.
func (s *Service) TaskResult(taskID string) (schemas.Report, error) {
	task, err := s.engine.Task(taskID)
	if err != nil {
		return schemas.Report{}, err
	}
	return results.Format(task), nil
}

// WaitForTask blocks until the task reaches a terminal status or ctx ends,
// then returns the report. Used by the synchronous chat flow.
func (s *Service) WaitForTask(ctx context.Context, taskID string) (schemas.Report, error) {
	report, err := s.TaskResult(taskID)
	if err != nil || report.Status.Terminal() {
		return report, err
	}

	done, err := s.engine.Done(taskID)
	if err != nil {
		return schemas.Report{}, err
	}
	select {
	case <-done:
		return s.TaskResult(taskID)
	case <-ctx.Done():
		// Task keeps running; hand back the progress view.
		return s.TaskResult(taskID)
	}
}

// CancelTask cancels a task and returns once its browser context is torn
// down. Idempotent.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	return s.engine.Cancel(ctx, taskID)
}

// History returns up to limit most recent transcript messages.
func (s *Service) History(sessionID string, limit int) ([]schemas.Message, error) {
	return s.registry.History(sessionID, limit)
}

// ClearHistory drops the session transcript.
func (s *Service) ClearHistory(sessionID string) error {
	return s.registry.Clear(sessionID)
}

// Healthy reports whether the orchestration core and its browser dependency
// are usable. Backs the external health-check endpoint.
func (s *Service) Healthy(ctx context.Context) error {
	return s.pool.Healthy(ctx)
}
