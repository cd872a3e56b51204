// File: internal/browser/observe.go
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// snapshotScript collects the page state the planner needs: where we are and
// what can be interacted with. Each candidate element gets a stable temporary
// attribute so the returned selectors are guaranteed to resolve on the next
// action, whatever the page's own markup looks like. Re-run on every
// observation, so the attributes track DOM churn.
const snapshotScript = `(() => {
	const max = %d;
	const nodes = document.querySelectorAll(
		'a[href], button, input, select, textarea, [role="button"], [onclick]');
	const elements = [];
	let i = 0;
	for (const n of nodes) {
		if (elements.length >= max) break;
		const rect = n.getBoundingClientRect();
		const style = window.getComputedStyle(n);
		if (rect.width === 0 || rect.height === 0 ||
			style.visibility === 'hidden' || style.display === 'none') continue;
		const ref = String(++i);
		n.setAttribute('data-taskpilot-ref', ref);
		const text = (n.innerText || n.value || n.placeholder ||
			n.getAttribute('aria-label') || '').trim().slice(0, 80);
		elements.push({
			selector: '[data-taskpilot-ref="' + ref + '"]',
			tag: n.tagName.toLowerCase(),
			text: text,
		});
	}
	return {url: location.href, title: document.title, elements: elements};
})()`

// pageSnapshot mirrors the object literal produced by snapshotScript.
type pageSnapshot struct {
	URL      string                `json:"url"`
	Title    string                `json:"title"`
	Elements []schemas.PageElement `json:"elements"`
}

// snapshot evaluates the observation script in the tab and converts the
// result into the planner-facing form.
func (sc *sessionContext) snapshot(ctx context.Context) (*schemas.Observation, error) {
	runCtx, cancel := sc.actionCtx(ctx)
	defer cancel()

	var snap pageSnapshot
	script := fmt.Sprintf(snapshotScript, sc.cfg.MaxObservedElements)
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &snap)); err != nil {
		return nil, fmt.Errorf("failed to capture page snapshot: %w", err)
	}

	return &schemas.Observation{
		URL:       snap.URL,
		Title:     snap.Title,
		Elements:  snap.Elements,
		Timestamp: time.Now().UTC(),
	}, nil
}
