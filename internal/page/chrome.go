// File: internal/page/chrome.go

// Package page drives the chat web UI through the Chrome DevTools Protocol.
// ChromeAdapter owns all selector knowledge; callers only sequence its
// operations. Located element state is tied to one interaction and dropped on
// Reset, so recovery always starts from a fresh lookup.
package page

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/internal/config"
)

// ErrElementsNotLocated is returned when an operation that needs located
// elements runs before LocateElements succeeded.
var ErrElementsNotLocated = errors.New("page elements not located")

// ChromeAdapter implements schemas.PageAdapter over a chromedp tab context.
type ChromeAdapter struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	tabCtx context.Context

	mu     sync.Mutex
	input  *cdp.Node
	submit *cdp.Node
}

// NewChromeAdapter binds an adapter to an existing chromedp tab context.
func NewChromeAdapter(logger *zap.Logger, cfg config.BrowserConfig, tabCtx context.Context) *ChromeAdapter {
	return &ChromeAdapter{
		logger: logger.Named("page"),
		cfg:    cfg,
		tabCtx: tabCtx,
	}
}

// Navigate loads the chat page and waits for the document body.
func (a *ChromeAdapter) Navigate(ctx context.Context, url string) error {
	a.logger.Info("Navigating to chat page.", zap.String("url", url))
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// LocateElements waits for the prompt input and submit control to become
// visible and resolves their DOM nodes. The handles are held until Reset.
func (a *ChromeAdapter) LocateElements(ctx context.Context) error {
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	sel := a.cfg.Selectors
	var inputNodes, submitNodes []*cdp.Node
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(sel.Input, chromedp.ByQuery),
		chromedp.WaitVisible(sel.Submit, chromedp.ByQuery),
		chromedp.Nodes(sel.Input, &inputNodes, chromedp.ByQuery),
		chromedp.Nodes(sel.Submit, &submitNodes, chromedp.ByQuery),
	)
	if err != nil {
		a.storeNodes(nil, nil)
		return fmt.Errorf("locating page elements: %w", err)
	}
	if len(inputNodes) == 0 || len(submitNodes) == 0 {
		a.storeNodes(nil, nil)
		return fmt.Errorf("locating page elements: %w", ErrElementsNotLocated)
	}

	a.storeNodes(inputNodes[0], submitNodes[0])
	a.logger.Debug("Page elements located.",
		zap.String("input", sel.Input), zap.String("submit", sel.Submit),
		zap.Int64("input_node", int64(inputNodes[0].NodeID)),
		zap.Int64("submit_node", int64(submitNodes[0].NodeID)))
	return nil
}

// TypePrompt writes text into the located prompt input, replacing any
// previous content.
func (a *ChromeAdapter) TypePrompt(ctx context.Context, text string) error {
	input, _, ok := a.heldNodes()
	if !ok {
		return ErrElementsNotLocated
	}
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	sel := a.cfg.Selectors
	err := chromedp.Run(runCtx,
		chromedp.ScrollIntoView(sel.Input, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return dom.Focus().WithNodeID(input.NodeID).Do(ctx)
		}),
		chromedp.Clear(sel.Input, chromedp.ByQuery),
		chromedp.SendKeys(sel.Input, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("typing prompt (%d chars): %w", len(text), err)
	}
	return nil
}

// Submit activates the located submit control.
func (a *ChromeAdapter) Submit(ctx context.Context) error {
	_, submit, ok := a.heldNodes()
	if !ok {
		return ErrElementsNotLocated
	}
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	sel := a.cfg.Selectors
	err := chromedp.Run(runCtx,
		chromedp.ScrollIntoView(sel.Submit, chromedp.ByQuery),
		chromedp.MouseClickNode(submit),
	)
	if err != nil {
		return fmt.Errorf("submitting prompt: %w", err)
	}
	return nil
}

// LatestResponseContainer returns an opaque identity for the newest response
// container, or "" when the page has none. The identity combines the
// container's message id attribute (when present) with its ordinal, so a new
// response is always distinct from the pre-submission baseline.
func (a *ChromeAdapter) LatestResponseContainer(ctx context.Context) (string, error) {
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	script := fmt.Sprintf(`(() => {
		const nodes = document.querySelectorAll(%q);
		if (nodes.length === 0) return "";
		const last = nodes[nodes.length - 1];
		const id = last.getAttribute("data-message-id") || last.id || "";
		return id + "#" + (nodes.length - 1);
	})()`, a.cfg.Selectors.ResponseContainer)

	var identity string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &identity)); err != nil {
		return "", fmt.Errorf("inspecting response containers: %w", err)
	}
	if identity == "#-1" || identity == "" {
		return "", nil
	}
	return identity, nil
}

// ExtractText returns the visible text of the newest response container.
func (a *ChromeAdapter) ExtractText(ctx context.Context) (string, error) {
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	script := fmt.Sprintf(`(() => {
		const nodes = document.querySelectorAll(%q);
		if (nodes.length === 0) return null;
		return nodes[nodes.length - 1].innerText;
	})()`, a.cfg.Selectors.ResponseContainer)

	var text *string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("extracting response text: %w", err)
	}
	if text == nil {
		return "", errors.New("no response container present")
	}
	return *text, nil
}

// HasImage reports whether the newest response container holds an image.
func (a *ChromeAdapter) HasImage(ctx context.Context) (bool, error) {
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	script := fmt.Sprintf(`(() => {
		const nodes = document.querySelectorAll(%q);
		if (nodes.length === 0) return false;
		return nodes[nodes.length - 1].querySelector(%q) !== null;
	})()`, a.cfg.Selectors.ResponseContainer, a.cfg.Selectors.ResponseImage)

	var present bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &present)); err != nil {
		return false, fmt.Errorf("checking for response image: %w", err)
	}
	return present, nil
}

// ExtractImageURL returns the source URL of the newest response image.
func (a *ChromeAdapter) ExtractImageURL(ctx context.Context) (string, error) {
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	script := fmt.Sprintf(`(() => {
		const nodes = document.querySelectorAll(%q);
		if (nodes.length === 0) return "";
		const img = nodes[nodes.length - 1].querySelector(%q);
		return img ? img.src : "";
	})()`, a.cfg.Selectors.ResponseContainer, a.cfg.Selectors.ResponseImage)

	var src string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &src)); err != nil {
		return "", fmt.Errorf("extracting image url: %w", err)
	}
	if src == "" {
		return "", errors.New("response image has no source url")
	}
	return src, nil
}

// PageURL returns the URL the tab is currently on.
func (a *ChromeAdapter) PageURL(ctx context.Context) (string, error) {
	runCtx, cancel := combineContext(a.tabCtx, ctx)
	defer cancel()

	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading page location: %w", err)
	}
	return loc, nil
}

// Reset drops the held element handles. The next interaction performs a fresh
// lookup.
func (a *ChromeAdapter) Reset() {
	a.storeNodes(nil, nil)
	a.logger.Debug("Adapter element handles dropped.")
}

func (a *ChromeAdapter) storeNodes(input, submit *cdp.Node) {
	a.mu.Lock()
	a.input = input
	a.submit = submit
	a.mu.Unlock()
}

func (a *ChromeAdapter) heldNodes() (input, submit *cdp.Node, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input, a.submit, a.input != nil && a.submit != nil
}
