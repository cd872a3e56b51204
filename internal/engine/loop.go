// File: internal/engine/loop.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// run hosts one task's state machine from submission to teardown. Whatever
// happens inside the loop, including a panic, the browser context is closed
// exactly once, the session refcount is released, and tr.done is closed only
// after both, so Cancel can promise teardown-before-return.
func (e *Engine) run(taskCtx context.Context, cancel context.CancelFunc, tr *taskRun, bs schemas.BrowserSession) {
	logger := e.logger.With(zap.String("task_id", tr.task.ID))
	defer e.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			tr.finish(schemas.StatusFailed, fmt.Sprintf("internal fault: %v", r))
		}
		cancel()

		closeCtx, cancelClose := context.WithTimeout(context.Background(), e.cfg.CloseTimeout)
		if err := bs.Close(closeCtx); err != nil {
			logger.Warn("Browser session close reported an error", zap.Error(err))
		}
		cancelClose()

		e.registry.Release(tr.task.SessionID)

		// The terminal hook runs before done closes so that a caller woken by
		// Done sees the result already recorded on the transcript.
		final := tr.snapshot()
		if e.OnTerminal != nil {
			e.OnTerminal(final)
		}
		close(tr.done)
		logger.Info("Task finished",
			zap.String("status", string(final.Status)),
			zap.Int("steps", len(final.Steps)),
			zap.Duration("elapsed", final.CompletedAt.Sub(final.CreatedAt)))
	}()

	e.loop(taskCtx, tr, bs, logger)
}

// loop alternates planner and controller calls until a terminal transition.
//
//	PLANNING --(NextAction)--> ACTING --(Observation)--> OBSERVING -> PLANNING
//	PLANNING --(Complete)-->   SUCCEEDED
//	PLANNING --(Unplannable | retries exhausted)--> FAILED
//	ACTING   --(ActionError, retries remain)--> PLANNING (replan)
//	any state --(budget exceeded)--> TIMED_OUT
//	any state --(cancel)--> CANCELLED
//
// Cancellation and budgets are observed at checkpoints: the loop top and the
// return of every external call. Calls themselves are never interrupted
// forcibly; their contexts carry the deadlines.
func (e *Engine) loop(ctx context.Context, tr *taskRun, bs schemas.BrowserSession, logger *zap.Logger) {
	var latestObs *schemas.Observation
	planFailures := 0
	actionFailures := 0

	// The first plan gets a snapshot of the fresh tab; later iterations
	// carry the observation from the last successful action. A failed
	// initial snapshot is not fatal, the planner can start blind.
	if obs, err := bs.Observe(ctx); err == nil {
		latestObs = obs
	} else {
		logger.Debug("Initial page observation failed", zap.Error(err))
	}
	if e.interrupted(ctx, tr) {
		return
	}

	for {
		if e.interrupted(ctx, tr) {
			return
		}

		tr.setStatus(schemas.StatusPlanning)
		result, err := e.planner.Plan(ctx, schemas.PlanRequest{
			Instruction: tr.task.Instruction,
			Steps:       tr.snapshot().Steps,
			Observation: latestObs,
		})
		if e.interrupted(ctx, tr) {
			return
		}

		if err != nil {
			var unplannable *schemas.UnplannableError
			if errors.As(err, &unplannable) {
				tr.finish(schemas.StatusFailed, "the task cannot be carried out: "+unplannable.Reason)
				return
			}

			planFailures++
			if planFailures >= e.cfg.PlanAttempts {
				tr.finish(schemas.StatusFailed,
					fmt.Sprintf("planning failed after %d attempts: %v", planFailures, err))
				return
			}
			logger.Warn("Planning failed, backing off before retry",
				zap.Int("attempt", planFailures), zap.Error(err))
			e.pause(ctx, e.planBackoff(planFailures))
			continue
		}
		planFailures = 0

		switch result.Verdict {
		case schemas.VerdictComplete:
			tr.finish(schemas.StatusSucceeded, result.Summary)
			return

		case schemas.VerdictUnplannable:
			tr.finish(schemas.StatusFailed, "the task cannot be carried out: "+result.Reason)
			return
		}

		// NextAction. The step budget is checked before executing, so a task
		// that would exceed it times out instead of running the extra action.
		if tr.stepCount() >= e.cfg.MaxSteps {
			tr.finish(schemas.StatusTimedOut,
				fmt.Sprintf("step budget of %d exhausted before completion", e.cfg.MaxSteps))
			return
		}

		action := *result.Action
		tr.setStatus(schemas.StatusActing)

		started := time.Now()
		obs, execErr := bs.Execute(ctx, action)
		step := schemas.Step{Action: action, Duration: time.Since(started)}
		if execErr != nil {
			step.Error = execErr.Error()
		} else {
			step.Observation = obs
		}
		tr.appendStep(step)

		if e.interrupted(ctx, tr) {
			return
		}

		if execErr != nil {
			// Repeating an identical action against unchanged page state is
			// pointless; the failure goes into the history and the planner
			// gets another look. A stuck page is bounded by the failure
			// ceiling.
			actionFailures++
			if actionFailures >= e.cfg.MaxActionFailures {
				tr.finish(schemas.StatusFailed,
					fmt.Sprintf("gave up after %d consecutive action failures; last: %v",
						actionFailures, execErr))
				return
			}
			logger.Warn("Action failed, replanning",
				zap.String("action", action.Describe()),
				zap.Int("consecutive_failures", actionFailures),
				zap.Error(execErr))
			continue
		}
		actionFailures = 0

		tr.setStatus(schemas.StatusObserving)
		latestObs = obs
	}
}

// interrupted applies a checkpoint: it reports true after finishing the task
// if cancellation was requested or the wall-clock budget ran out. A caller
// cancel wins over a deadline that fired at the same moment.
func (e *Engine) interrupted(ctx context.Context, tr *taskRun) bool {
	if tr.cancelRequested.Load() {
		tr.finish(schemas.StatusCancelled, "cancelled by caller")
		return true
	}
	if ctx.Err() != nil {
		tr.finish(schemas.StatusTimedOut,
			fmt.Sprintf("wall-clock budget of %s exceeded", e.cfg.MaxDuration))
		return true
	}
	return false
}

// planBackoff is the delay before planning retry n (1-based), doubling each
// time.
func (e *Engine) planBackoff(attempt int) time.Duration {
	d := e.cfg.PlanBackoff
	if d <= 0 {
		d = time.Second
	}
	return d << (attempt - 1)
}

// pause sleeps unless the task context ends first; the loop-top checkpoint
// then decides between timed_out and cancelled.
func (e *Engine) pause(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
