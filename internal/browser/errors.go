// File: internal/browser/errors.go
package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// classify converts a raw chromedp failure into an ActionError with a reason
// the planner and the result narrative can work with.
func (sc *sessionContext) classify(action schemas.Action, err error) *schemas.ActionError {
	reason := schemas.ReasonBlockedInteraction

	switch {
	case sc.tabCtx.Err() != nil:
		// The tab itself is gone; nothing on this session will succeed again.
		reason = schemas.ReasonDisconnectedSession

	case errors.Is(err, context.DeadlineExceeded):
		// The bounded wait expired. For navigation that means the page never
		// settled; for anything targeting a selector it means the element
		// never showed up.
		if action.Type == schemas.ActionNavigate {
			reason = schemas.ReasonNavigationTimeout
		} else {
			reason = schemas.ReasonElementNotFound
		}

	case isNotFoundErr(err):
		reason = schemas.ReasonElementNotFound

	case isDisconnectErr(err):
		reason = schemas.ReasonDisconnectedSession
	}

	return &schemas.ActionError{Action: action, Reason: reason, Err: err}
}

// isNotFoundErr matches chromedp's element resolution failures.
func isNotFoundErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "could not find node") ||
		strings.Contains(msg, "waiting for selector") ||
		strings.Contains(msg, "no nodes found")
}

// isDisconnectErr matches transport-level failures against the tab.
func isDisconnectErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "websocket: close") ||
		strings.Contains(msg, "context canceled")
}
