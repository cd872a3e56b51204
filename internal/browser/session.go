// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
)

// sessionContext is one isolated browser tab bound to a single task. Every
// action has a bounded wait and no internal retry; retry policy belongs to
// the execution loop.
type sessionContext struct {
	id     string
	cfg    config.BrowserConfig
	logger *zap.Logger

	// tabCtx is the chromedp context for this tab. Per-action deadlines are
	// derived from it so a hung DOM wait can never outlive ActionTimeout.
	tabCtx    context.Context
	tabCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// newSessionContext creates the tab and confirms it is usable.
func newSessionContext(allocCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*sessionContext, error) {
	id := uuid.NewString()
	tabCtx, cancel := chromedp.NewContext(allocCtx)

	sc := &sessionContext{
		id:        id,
		cfg:       cfg,
		logger:    logger.With(zap.String("session_id", id[:8])),
		tabCtx:    tabCtx,
		tabCancel: cancel,
	}

	// Force tab creation now so acquisition failures surface at the pool
	// boundary, not midway through a task. The fixed viewport keeps element
	// visibility deterministic across sessions.
	initCtx, cancelInit := context.WithTimeout(tabCtx, cfg.ActionTimeout)
	defer cancelInit()
	if err := chromedp.Run(initCtx,
		emulation.SetDeviceMetricsOverride(1280, 800, 1.0, false),
		chromedp.Navigate("about:blank"),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	sc.logger.Info("Browser session initialized.")
	return sc, nil
}

// ID returns the unique identifier for this session.
func (sc *sessionContext) ID() string { return sc.id }

// Execute performs a single planned action and captures the resulting page
// snapshot. Failures are classified into *schemas.ActionError.
func (sc *sessionContext) Execute(ctx context.Context, action schemas.Action) (*schemas.Observation, error) {
	if err := sc.aliveErr(action); err != nil {
		return nil, err
	}

	sc.logger.Debug("Executing action", zap.String("action", action.Describe()))

	runCtx, cancel := sc.actionCtx(ctx)
	defer cancel()

	var err error
	switch action.Type {
	case schemas.ActionNavigate:
		err = chromedp.Run(runCtx,
			chromedp.Navigate(action.Value),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(sc.cfg.PostNavigateWait),
		)

	case schemas.ActionClick:
		err = chromedp.Run(runCtx,
			chromedp.WaitVisible(action.Selector, chromedp.ByQuery),
			chromedp.Click(action.Selector, chromedp.ByQuery),
		)

	case schemas.ActionInputText:
		err = chromedp.Run(runCtx,
			chromedp.WaitVisible(action.Selector, chromedp.ByQuery),
			chromedp.Clear(action.Selector, chromedp.ByQuery),
			chromedp.SendKeys(action.Selector, action.Value, chromedp.ByQuery),
		)

	case schemas.ActionExtract:
		// Extraction result is attached to the observation below.

	case schemas.ActionWait:
		err = sc.waitFor(runCtx, action.WaitDurationMs())

	default:
		return nil, &schemas.ActionError{
			Action: action,
			Reason: schemas.ReasonBlockedInteraction,
			Err:    fmt.Errorf("unsupported action type %q", action.Type),
		}
	}

	if err != nil {
		return nil, sc.classify(action, err)
	}

	obs, err := sc.snapshot(ctx)
	if err != nil {
		return nil, sc.classify(action, err)
	}

	if action.Type == schemas.ActionExtract {
		var text string
		extractCtx, cancelExtract := sc.actionCtx(ctx)
		defer cancelExtract()
		if err := chromedp.Run(extractCtx,
			chromedp.WaitReady(action.Selector, chromedp.ByQuery),
			chromedp.Text(action.Selector, &text, chromedp.ByQuery),
		); err != nil {
			return nil, sc.classify(action, err)
		}
		obs.Extracted = text
	}

	return obs, nil
}

// Observe captures a page snapshot without performing any action.
func (sc *sessionContext) Observe(ctx context.Context) (*schemas.Observation, error) {
	if err := sc.aliveErr(schemas.Action{}); err != nil {
		return nil, err
	}
	return sc.snapshot(ctx)
}

// Close tears down the tab. Idempotent, always safe, even on a broken session.
func (sc *sessionContext) Close(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed {
		return nil
	}
	sc.closed = true

	sc.tabCancel()
	sc.logger.Info("Browser session closed.")
	return nil
}

// actionCtx derives the bounded context for one browser operation: it ends
// with the caller's context, the tab, or ActionTimeout, whichever is first.
func (sc *sessionContext) actionCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancelTimeout := context.WithTimeout(sc.tabCtx, sc.cfg.ActionTimeout)
	stop := context.AfterFunc(ctx, cancelTimeout)
	return runCtx, func() {
		stop()
		cancelTimeout()
	}
}

// waitFor pauses for the requested duration, respecting cancellation.
func (sc *sessionContext) waitFor(ctx context.Context, milliseconds int) error {
	select {
	case <-time.After(time.Duration(milliseconds) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sc *sessionContext) aliveErr(action schemas.Action) error {
	sc.mu.Lock()
	closed := sc.closed
	sc.mu.Unlock()
	if closed || sc.tabCtx.Err() != nil {
		return &schemas.ActionError{
			Action: action,
			Reason: schemas.ReasonDisconnectedSession,
			Err:    fmt.Errorf("browser session is closed"),
		}
	}
	return nil
}
