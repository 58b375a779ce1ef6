// Package cdp implements driver.Driver over the Chrome DevTools Protocol
// using chromedp.
//
// Elements are identified by a data attribute the driver writes onto every
// node it hands out, so an Element survives across protocol calls without
// holding remote object references. Frames are addressed by the tag ids of
// their frame elements, outermost first, and resolved through contentDocument;
// cross-origin frames therefore cannot be entered.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Driver is a chromedp backed driver.Driver. Use Launch to start a browser.
type Driver struct {
	mu sync.Mutex

	browserCtx context.Context
	closeFns   []context.CancelFunc

	tabs    map[string]tab
	order   []string
	current string
	frames  []string

	prefix string
	logger *zap.Logger
}

var _ driver.Driver = (*Driver)(nil)

// New wraps an already started chromedp browser context. The context's
// target becomes the current window.
func New(browserCtx context.Context, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Target == nil {
		return nil, errors.New("browser context has no attached target")
	}
	handle := string(c.Target.TargetID)
	return &Driver{
		browserCtx: browserCtx,
		tabs:       map[string]tab{handle: {ctx: browserCtx}},
		order:      []string{handle},
		current:    handle,
		prefix:     uuid.NewString()[:8],
		logger:     logger.Named("cdp"),
	}, nil
}

// Close cancels every tab context and shuts the browser down.
func (d *Driver) Close() {
	d.mu.Lock()
	tabs := d.tabs
	d.tabs = map[string]tab{}
	fns := d.closeFns
	d.closeFns = nil
	d.mu.Unlock()

	for _, t := range tabs {
		if t.cancel != nil {
			t.cancel()
		}
	}
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func (d *Driver) scope() (context.Context, []string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[d.current]
	if !ok {
		return nil, nil, fmt.Errorf("no such window: %s", d.current)
	}
	return t.ctx, append([]string(nil), d.frames...), nil
}

func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, _, err := d.scope()
	if err != nil {
		return err
	}
	runCtx, cancel := bind(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (d *Driver) eval(ctx context.Context, expr string) ([]byte, error) {
	var raw []byte
	err := d.run(ctx, chromedp.Evaluate(expr, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (d *Driver) evalElement(ctx context.Context, el driver.Element, body string, out interface{}) error {
	raw, err := d.eval(ctx, elementScript(d.prefix, el, body))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := codec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode result for %s: %w", el.Locator, err)
	}
	return nil
}

func (d *Driver) Find(ctx context.Context, loc driver.Locator) ([]driver.Element, error) {
	_, path, err := d.scope()
	if err != nil {
		return nil, err
	}
	raw, err := d.eval(ctx, findScript(d.prefix, path, loc))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", loc, err)
	}
	var ids []string
	if err := codec.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("find %s: %w", loc, err)
	}
	els := make([]driver.Element, 0, len(ids))
	for _, id := range ids {
		els = append(els, driver.Element{ID: id, Locator: loc, Path: path})
	}
	return els, nil
}

func (d *Driver) State(ctx context.Context, el driver.Element) (driver.ElementState, error) {
	var s stateResult
	if err := d.evalElement(ctx, el, stateBody, &s); err != nil {
		return driver.ElementState{}, err
	}
	return s.toState(), nil
}

func (d *Driver) Text(ctx context.Context, el driver.Element) (string, error) {
	var s string
	err := d.evalElement(ctx, el, textBody, &s)
	return s, err
}

func (d *Driver) Value(ctx context.Context, el driver.Element) (string, error) {
	var s string
	err := d.evalElement(ctx, el, valueBody, &s)
	return s, err
}

func (d *Driver) Attribute(ctx context.Context, el driver.Element, name string) (string, error) {
	var s string
	err := d.evalElement(ctx, el, bindArgs(attributeBody, "name", name), &s)
	return s, err
}

func (d *Driver) Focus(ctx context.Context, el driver.Element) error {
	var focused bool
	if err := d.evalElement(ctx, el, focusBody, &focused); err != nil {
		return err
	}
	if !focused {
		return fmt.Errorf("%s did not take focus", el.Locator)
	}
	return nil
}

func (d *Driver) Clear(ctx context.Context, el driver.Element) error {
	return d.evalElement(ctx, el, clearBody, nil)
}

func (d *Driver) SetValue(ctx context.Context, el driver.Element, value string) error {
	return d.evalElement(ctx, el, bindArgs(setValueBody, "value", value), nil)
}

func (d *Driver) DispatchEvent(ctx context.Context, el driver.Element, event string) error {
	return d.evalElement(ctx, el, bindArgs(dispatchBody, "name", event), nil)
}

// Click scrolls the node into view when needed and presses the left button
// at its centre. A node covered at that point fails with ErrIntercepted
// without any input being sent.
func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	if err := d.evalElement(ctx, el, scrollIfNeededBody, nil); err != nil {
		return err
	}
	st, err := d.State(ctx, el)
	if err != nil {
		return err
	}
	switch {
	case !st.Visible:
		return fmt.Errorf("%s is not visible", el.Locator)
	case st.Rect.Collapsed():
		return driver.ErrCollapsed
	case st.Obscured:
		return fmt.Errorf("%w: %s", driver.ErrIntercepted, el.Locator)
	case !st.Enabled:
		return fmt.Errorf("%s is disabled", el.Locator)
	}
	x, y := st.Rect.Center()
	return d.MouseClick(ctx, x, y)
}

func (d *Driver) MouseMove(ctx context.Context, x, y float64) error {
	return d.run(ctx, input.DispatchMouseEvent(input.MouseMoved, x, y))
}

func (d *Driver) MouseClick(ctx context.Context, x, y float64) error {
	return d.run(ctx,
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithButtons(1).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	)
}

func (d *Driver) Keys(ctx context.Context, text string) error {
	return d.run(ctx, chromedp.KeyEvent(text))
}

func (d *Driver) PressKey(ctx context.Context, key string) error {
	return d.run(ctx, chromedp.KeyEvent(keyFor(key)))
}

// keyFor maps a key name to the sequence chromedp.KeyEvent expects.
func keyFor(name string) string {
	switch name {
	case "Enter", "Return":
		return kb.Enter
	case "Tab":
		return kb.Tab
	case "Escape", "Esc":
		return kb.Escape
	case "Backspace":
		return kb.Backspace
	case "Space", "Spacebar":
		return " "
	default:
		return name
	}
}

func (d *Driver) ScrollIntoView(ctx context.Context, el driver.Element) error {
	return d.evalElement(ctx, el, scrollBody, nil)
}

func (d *Driver) Ancestor(ctx context.Context, el driver.Element, css string) (driver.Element, error) {
	var id *string
	if err := d.evalElement(ctx, el, bindArgs(ancestorBody, "css", css), &id); err != nil {
		return driver.Element{}, err
	}
	if id == nil {
		return driver.Element{}, driver.NotFound(driver.CSS("ancestor of "+el.Locator.Name, css))
	}
	return driver.Element{ID: *id, Locator: driver.CSS("ancestor of "+el.Locator.Name, css), Path: el.Path}, nil
}

// Release removes the tag from each node. Nodes that are already gone are
// ignored.
func (d *Driver) Release(ctx context.Context, els ...driver.Element) error {
	for _, el := range els {
		if err := d.evalElement(ctx, el, releaseBody, nil); err != nil && !errors.Is(err, driver.ErrStaleElement) {
			d.logger.Debug("Could not release element.", zap.Stringer("locator", el.Locator), zap.Error(err))
		}
	}
	return nil
}

func (d *Driver) Eval(ctx context.Context, el driver.Element, body string) (json.RawMessage, error) {
	raw, err := d.eval(ctx, elementScript(d.prefix, el, body))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// WindowHandles lists open page targets, oldest first.
func (d *Driver) WindowHandles(ctx context.Context) ([]string, error) {
	runCtx, cancel := bind(d.browserCtx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	live := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			live[string(info.TargetID)] = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconcile(live), nil
}

// reconcile keeps first-seen order for known handles, appends new ones and
// forgets closed ones. It must be called with d.mu held.
func (d *Driver) reconcile(live map[string]bool) []string {
	order := d.order[:0]
	seen := make(map[string]bool, len(live))
	for _, h := range d.order {
		if live[h] {
			order = append(order, h)
			seen[h] = true
		} else if t, ok := d.tabs[h]; ok {
			if t.cancel != nil {
				t.cancel()
			}
			delete(d.tabs, h)
		}
	}
	for _, h := range slices.Sorted(maps.Keys(live)) {
		if !seen[h] {
			order = append(order, h)
		}
	}
	d.order = order
	return append([]string(nil), order...)
}

func (d *Driver) CurrentWindow(ctx context.Context) (string, error) {
	handles, err := d.WindowHandles(ctx)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range handles {
		if h == d.current {
			return h, nil
		}
	}
	return "", fmt.Errorf("no such window: %s", d.current)
}

func (d *Driver) SwitchWindow(ctx context.Context, handle string) error {
	handles, err := d.WindowHandles(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, h := range handles {
		if h == handle {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no such window: %s", handle)
	}

	d.mu.Lock()
	t, ok := d.tabs[handle]
	d.mu.Unlock()
	if !ok {
		tctx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(handle)))
		// Attach with the tab's own context; the target's event loop lives
		// as long as the context of its first Run.
		if err := chromedp.Run(tctx); err != nil {
			cancel()
			return fmt.Errorf("failed to attach to window %s: %w", handle, err)
		}
		t = tab{ctx: tctx, cancel: cancel}
		d.mu.Lock()
		d.tabs[handle] = t
		d.mu.Unlock()
	}

	runCtx, cancel := bind(t.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, page.BringToFront()); err != nil {
		return fmt.Errorf("failed to activate window %s: %w", handle, err)
	}

	d.mu.Lock()
	d.current = handle
	d.frames = nil
	d.mu.Unlock()
	d.logger.Debug("Switched window.", zap.String("handle", handle))
	return nil
}

func (d *Driver) EnterFrame(ctx context.Context, el driver.Element) error {
	if err := d.evalElement(ctx, el, frameBody, nil); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(append([]string(nil), el.Path...), el.ID)
	return nil
}

func (d *Driver) ParentFrame(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) > 0 {
		d.frames = d.frames[:len(d.frames)-1]
	}
	return nil
}

// DefaultContent selects the top document and checks the window still answers.
func (d *Driver) DefaultContent(ctx context.Context) error {
	d.mu.Lock()
	d.frames = nil
	d.mu.Unlock()
	_, err := d.ReadyState(ctx)
	return err
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := d.run(ctx, chromedp.Navigate(url)); err != nil {
		return err
	}
	d.mu.Lock()
	d.frames = nil
	d.mu.Unlock()
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := d.run(ctx, chromedp.Location(&url))
	return url, err
}

func (d *Driver) ReadyState(ctx context.Context) (string, error) {
	raw, err := d.eval(ctx, wrap(d.prefix, "return document.readyState;"))
	if err != nil {
		return "", err
	}
	var state string
	if err := codec.Unmarshal(raw, &state); err != nil {
		return "", err
	}
	return state, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}
