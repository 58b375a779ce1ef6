package drivertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

// Operation names accepted as keys of Node.Fail.
const (
	OpClick    = "click"
	OpDispatch = "dispatch"
	OpPointer  = "pointer"
	OpFocus    = "focus"
	OpClear    = "clear"
	OpKeys     = "keys"
	OpPress    = "press"
	OpSetValue = "setvalue"
	OpScroll   = "scroll"
	OpState    = "state"
)

// DefaultRect is the box given to built nodes and to collapsed nodes that
// expand on scroll.
var DefaultRect = driver.Rect{X: 10, Y: 10, Width: 120, Height: 32}

// Node is one element of a fake document. Tests keep the pointer and mutate
// its fields to change what the page looks like between polls.
type Node struct {
	Name     string
	Selector string
	Tag      string
	Type     string

	Visible  bool
	Enabled  bool
	Obscured bool
	Detached bool
	Rect     driver.Rect

	Value string
	Text  string
	Attrs map[string]string

	// Interactive nodes are returned by Ancestor lookups.
	Interactive bool
	Parent      *Node
	// Frame holds the content document when the node is an iframe.
	Frame *Document

	// EventsOnly fields ignore native keystrokes and only commit an assigned
	// value once an input or change event is dispatched.
	EventsOnly bool
	// RejectInput fields never change their value.
	RejectInput bool
	// SingleKeyOnly fields drop key events that carry more than one character.
	SingleKeyOnly bool
	// ExpandOnScroll gives a collapsed node DefaultRect on ScrollIntoView.
	ExpandOnScroll bool

	// Fail injects an error for the named operation.
	Fail map[string]error
	// OnActivate runs after any successful click or keyboard activation.
	OnActivate func()

	Clicks int
	Events []string

	id      string
	pending *string
}

// Document is a flat list of nodes; nesting is expressed through Frame.
type Document struct {
	Nodes []*Node
}

// Window is a fake top-level browsing context.
type Window struct {
	Handle     string
	URL        string
	ReadyState string
	Doc        *Document
	Closed     bool
}

type scheduled struct {
	at time.Time
	fn func()
}

// Driver is an in-memory driver.Driver. The zero value is not usable; call New.
type Driver struct {
	mu sync.Mutex

	clock    *Clock
	windows  []*Window
	current  string
	frames   []*Node
	focused  *Node
	registry map[string]*Node
	nextID   int
	pending  []scheduled

	calls       []string
	released    int
	screenshots int
	mouse       [][2]float64

	MockFind           func(ctx context.Context, loc driver.Locator) ([]driver.Element, error)
	MockWindowHandles  func(ctx context.Context) ([]string, error)
	MockSwitchWindow   func(ctx context.Context, handle string) error
	MockDefaultContent func(ctx context.Context) error
	MockEval           func(ctx context.Context, el driver.Element, body string) (json.RawMessage, error)
	MockNavigate       func(ctx context.Context, url string) error
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver with a single window, "main", showing about:blank.
func New(clock *Clock) *Driver {
	if clock == nil {
		clock = NewClock()
	}
	d := &Driver{clock: clock, registry: make(map[string]*Node)}
	d.windows = []*Window{{Handle: "main", URL: "about:blank", ReadyState: "complete", Doc: &Document{}}}
	d.current = "main"
	return d
}

// Clock returns the clock the driver schedules against.
func (d *Driver) Clock() *Clock { return d.clock }

// Button builds a visible, enabled, interactive button.
func Button(name, selector string) *Node {
	return &Node{Name: name, Selector: selector, Tag: "button", Visible: true, Enabled: true, Interactive: true, Rect: DefaultRect}
}

// Input builds a visible, enabled text input.
func Input(name, selector string) *Node {
	return &Node{Name: name, Selector: selector, Tag: "input", Type: "text", Visible: true, Enabled: true, Rect: DefaultRect}
}

// Div builds a visible, non-interactive block.
func Div(name, selector string) *Node {
	return &Node{Name: name, Selector: selector, Tag: "div", Visible: true, Enabled: true, Rect: DefaultRect}
}

// IFrame builds an iframe node whose document holds children.
func IFrame(name, selector string, children ...*Node) *Node {
	return &Node{Name: name, Selector: selector, Tag: "iframe", Visible: true, Enabled: true, Rect: DefaultRect,
		Frame: &Document{Nodes: children}}
}

// Add appends nodes to the main document of the current window.
func (d *Driver) Add(nodes ...*Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.window(d.current)
	w.Doc.Nodes = append(w.Doc.Nodes, nodes...)
}

// OpenWindow adds a window holding nodes. It does not switch to it.
func (d *Driver) OpenWindow(handle, url string, nodes ...*Node) *Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := &Window{Handle: handle, URL: url, ReadyState: "complete", Doc: &Document{Nodes: nodes}}
	d.windows = append(d.windows, w)
	return w
}

// CloseWindow marks a window closed. A driver left pointing at it fails
// window scoped calls until it switches.
func (d *Driver) CloseWindow(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w := d.window(handle); w != nil {
		w.Closed = true
	}
}

// Window returns the window with handle, or nil.
func (d *Driver) Window(handle string) *Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window(handle)
}

// SetURL changes the current window's URL without navigating.
func (d *Driver) SetURL(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w := d.window(d.current); w != nil {
		w.URL = url
	}
}

// After runs fn the first time the driver is used once delay has passed on
// its clock.
func (d *Driver) After(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, scheduled{at: d.clock.Now().Add(delay), fn: fn})
}

// Depth returns the current frame depth.
func (d *Driver) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

// Current returns the current window handle without error checks.
func (d *Driver) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Calls returns the ordered log of driver calls, e.g. "Click:submit".
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Released reports how many element references were released.
func (d *Driver) Released() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Screenshots reports how many screenshots were taken.
func (d *Driver) Screenshots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screenshots
}

// MousePath returns every point the pointer moved to or clicked at.
func (d *Driver) MousePath() [][2]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][2]float64(nil), d.mouse...)
}

// tick runs scheduled callbacks that are due. It must be called without d.mu held.
func (d *Driver) tick() {
	now := d.clock.Now()
	d.mu.Lock()
	var due []func()
	rest := d.pending[:0]
	for _, s := range d.pending {
		if !now.Before(s.at) {
			due = append(due, s.fn)
		} else {
			rest = append(rest, s)
		}
	}
	d.pending = rest
	d.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

func (d *Driver) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *Driver) window(handle string) *Window {
	for _, w := range d.windows {
		if w.Handle == handle {
			return w
		}
	}
	return nil
}

func (d *Driver) liveWindow() (*Window, error) {
	w := d.window(d.current)
	if w == nil || w.Closed {
		return nil, fmt.Errorf("no such window: %s", d.current)
	}
	return w, nil
}

func (d *Driver) scopeDoc() (*Document, error) {
	w, err := d.liveWindow()
	if err != nil {
		return nil, err
	}
	doc := w.Doc
	for _, f := range d.frames {
		if f.Detached || f.Frame == nil {
			return nil, errors.New("frame detached")
		}
		doc = f.Frame
	}
	return doc, nil
}

func (d *Driver) ref(n *Node) driver.Element {
	if n.id == "" {
		d.nextID++
		n.id = fmt.Sprintf("n%d", d.nextID)
		d.registry[n.id] = n
	}
	path := make([]string, 0, len(d.frames))
	for _, f := range d.frames {
		path = append(path, f.id)
	}
	return driver.Element{ID: n.id, Locator: driver.Locator{Name: n.Name, Selector: n.Selector}, Path: path}
}

func (d *Driver) node(el driver.Element) (*Node, error) {
	n, ok := d.registry[el.ID]
	if !ok || n.Detached {
		return nil, fmt.Errorf("%w: %s", driver.ErrStaleElement, el.Locator)
	}
	return n, nil
}

func (n *Node) fail(op string) error {
	if n.Fail == nil {
		return nil
	}
	return n.Fail[op]
}

func (n *Node) label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Selector
}

// activate registers a click style activation and returns the callback to
// run once the lock is released.
func (n *Node) activate(via string) func() {
	n.Clicks++
	n.Events = append(n.Events, via)
	return n.OnActivate
}

func (d *Driver) Find(ctx context.Context, loc driver.Locator) ([]driver.Element, error) {
	d.tick()
	if d.MockFind != nil {
		return d.MockFind(ctx, loc)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Find:" + loc.Selector)
	doc, err := d.scopeDoc()
	if err != nil {
		return nil, err
	}
	var out []driver.Element
	for _, n := range doc.Nodes {
		if n.Detached {
			continue
		}
		if n.Selector == loc.Selector || (loc.Selector == driver.FrameSelector && n.Frame != nil) {
			el := d.ref(n)
			el.Locator = loc
			out = append(out, el)
		}
	}
	return out, nil
}

func (d *Driver) State(ctx context.Context, el driver.Element) (driver.ElementState, error) {
	d.tick()
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return driver.ElementState{}, err
	}
	if err := n.fail(OpState); err != nil {
		return driver.ElementState{}, err
	}
	return driver.ElementState{
		Attached: true,
		Visible:  n.Visible,
		Enabled:  n.Enabled,
		Obscured: n.Obscured,
		Rect:     n.Rect,
		Tag:      n.Tag,
		Type:     n.Type,
	}, nil
}

func (d *Driver) Text(ctx context.Context, el driver.Element) (string, error) {
	d.tick()
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return "", err
	}
	return n.Text, nil
}

func (d *Driver) Value(ctx context.Context, el driver.Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return "", err
	}
	return n.Value, nil
}

func (d *Driver) Attribute(ctx context.Context, el driver.Element, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return "", err
	}
	switch name {
	case "type":
		return n.Type, nil
	case "value":
		return n.Value, nil
	}
	return n.Attrs[name], nil
}

func (d *Driver) Focus(ctx context.Context, el driver.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.record("Focus:" + n.label())
	if err := n.fail(OpFocus); err != nil {
		return err
	}
	if !n.Enabled {
		return errors.New("element is disabled")
	}
	d.focused = n
	return nil
}

func (d *Driver) Clear(ctx context.Context, el driver.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.record("Clear:" + n.label())
	if err := n.fail(OpClear); err != nil {
		return err
	}
	if !n.RejectInput {
		n.Value = ""
	}
	n.pending = nil
	return nil
}

func (d *Driver) SetValue(ctx context.Context, el driver.Element, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.record("SetValue:" + n.label())
	if err := n.fail(OpSetValue); err != nil {
		return err
	}
	switch {
	case n.RejectInput:
	case n.EventsOnly:
		v := value
		n.pending = &v
	default:
		n.Value = value
	}
	return nil
}

func (d *Driver) DispatchEvent(ctx context.Context, el driver.Element, event string) error {
	d.mu.Lock()
	n, err := d.node(el)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.record("DispatchEvent:" + event + ":" + n.label())
	if err := n.fail(OpDispatch); err != nil {
		d.mu.Unlock()
		return err
	}
	var cb func()
	switch event {
	case "click":
		cb = n.activate("dispatch:click")
	case "input", "change":
		n.Events = append(n.Events, event)
		if n.pending != nil && !n.RejectInput {
			n.Value = *n.pending
			n.pending = nil
		}
	default:
		n.Events = append(n.Events, event)
	}
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	d.tick()
	d.mu.Lock()
	n, err := d.node(el)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.record("Click:" + n.label())
	if err := d.clickable(n, OpClick); err != nil {
		d.mu.Unlock()
		return err
	}
	cb := n.activate("click")
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (d *Driver) clickable(n *Node, op string) error {
	if err := n.fail(op); err != nil {
		return err
	}
	switch {
	case !n.Visible:
		return errors.New("element not visible")
	case n.Rect.Collapsed():
		return driver.ErrCollapsed
	case n.Obscured:
		return fmt.Errorf("%w: %s", driver.ErrIntercepted, n.label())
	}
	return nil
}

func (d *Driver) MouseMove(ctx context.Context, x, y float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("MouseMove")
	d.mouse = append(d.mouse, [2]float64{x, y})
	return nil
}

// MouseClick hits the first visible node of the current window whose box
// holds the point. An obscured hit is swallowed by the covering layer.
func (d *Driver) MouseClick(ctx context.Context, x, y float64) error {
	d.mu.Lock()
	d.record("MouseClick")
	d.mouse = append(d.mouse, [2]float64{x, y})
	w, err := d.liveWindow()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	hit := hitTest(w.Doc, x, y)
	if hit == nil || hit.Obscured {
		d.mu.Unlock()
		return nil
	}
	if err := hit.fail(OpPointer); err != nil {
		d.mu.Unlock()
		return err
	}
	cb := hit.activate("pointer")
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func hitTest(doc *Document, x, y float64) *Node {
	for _, n := range doc.Nodes {
		if n.Detached || !n.Visible || n.Rect.Collapsed() {
			continue
		}
		if n.Frame != nil {
			if hit := hitTest(n.Frame, x, y); hit != nil {
				return hit
			}
			continue
		}
		r := n.Rect
		if x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height {
			return n
		}
	}
	return nil
}

func (d *Driver) Keys(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Keys")
	n := d.focused
	if n == nil || n.Detached {
		return errors.New("no focused element")
	}
	if err := n.fail(OpKeys); err != nil {
		return err
	}
	n.Events = append(n.Events, "keys")
	if n.EventsOnly || n.RejectInput {
		return nil
	}
	if n.SingleKeyOnly && len([]rune(text)) > 1 {
		return nil
	}
	n.Value += text
	return nil
}

func (d *Driver) PressKey(ctx context.Context, key string) error {
	d.mu.Lock()
	d.record("PressKey:" + key)
	n := d.focused
	if n == nil || n.Detached {
		d.mu.Unlock()
		return errors.New("no focused element")
	}
	if err := n.fail(OpPress); err != nil {
		d.mu.Unlock()
		return err
	}
	var cb func()
	if key == "Enter" || key == " " {
		cb = n.activate("key:" + key)
	}
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (d *Driver) ScrollIntoView(ctx context.Context, el driver.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.record("ScrollIntoView:" + n.label())
	if err := n.fail(OpScroll); err != nil {
		return err
	}
	if n.ExpandOnScroll && n.Rect.Collapsed() {
		n.Rect = DefaultRect
	}
	return nil
}

func (d *Driver) Ancestor(ctx context.Context, el driver.Element, css string) (driver.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return driver.Element{}, err
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Interactive && !p.Detached {
			a := d.ref(p)
			a.Path = el.Path
			return a, nil
		}
	}
	return driver.Element{}, driver.NotFound(driver.CSS("interactive ancestor", css))
}

func (d *Driver) Release(ctx context.Context, els ...driver.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released += len(els)
	return nil
}

func (d *Driver) Eval(ctx context.Context, el driver.Element, body string) (json.RawMessage, error) {
	if d.MockEval != nil {
		return d.MockEval(ctx, el, body)
	}
	return json.RawMessage("null"), nil
}

func (d *Driver) WindowHandles(ctx context.Context) ([]string, error) {
	d.tick()
	if d.MockWindowHandles != nil {
		return d.MockWindowHandles(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("WindowHandles")
	var hs []string
	for _, w := range d.windows {
		if !w.Closed {
			hs = append(hs, w.Handle)
		}
	}
	return hs, nil
}

func (d *Driver) CurrentWindow(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.liveWindow(); err != nil {
		return "", err
	}
	return d.current, nil
}

func (d *Driver) SwitchWindow(ctx context.Context, handle string) error {
	d.tick()
	if d.MockSwitchWindow != nil {
		return d.MockSwitchWindow(ctx, handle)
	}
	return d.DefaultSwitchWindow(ctx, handle)
}

// DefaultSwitchWindow is the behaviour SwitchWindow uses without an override.
func (d *Driver) DefaultSwitchWindow(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SwitchWindow:" + handle)
	w := d.window(handle)
	if w == nil || w.Closed {
		return fmt.Errorf("no such window: %s", handle)
	}
	d.current = handle
	d.frames = nil
	d.focused = nil
	return nil
}

func (d *Driver) EnterFrame(ctx context.Context, el driver.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return err
	}
	d.record("EnterFrame:" + n.label())
	if n.Frame == nil {
		return fmt.Errorf("%s is not a frame", n.label())
	}
	d.frames = append(d.frames, n)
	return nil
}

func (d *Driver) ParentFrame(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ParentFrame")
	if len(d.frames) > 0 {
		d.frames = d.frames[:len(d.frames)-1]
	}
	return nil
}

func (d *Driver) DefaultContent(ctx context.Context) error {
	if d.MockDefaultContent != nil {
		return d.MockDefaultContent(ctx)
	}
	return d.DefaultDefaultContent(ctx)
}

// DefaultDefaultContent is the behaviour DefaultContent uses without an override.
func (d *Driver) DefaultDefaultContent(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("DefaultContent")
	if _, err := d.liveWindow(); err != nil {
		return err
	}
	d.frames = nil
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if d.MockNavigate != nil {
		return d.MockNavigate(ctx, url)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Navigate:" + url)
	w, err := d.liveWindow()
	if err != nil {
		return err
	}
	w.URL = url
	w.ReadyState = "complete"
	d.frames = nil
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	d.tick()
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.liveWindow()
	if err != nil {
		return "", err
	}
	return w.URL, nil
}

func (d *Driver) ReadyState(ctx context.Context) (string, error) {
	d.tick()
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.liveWindow()
	if err != nil {
		return "", err
	}
	return w.ReadyState, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screenshots++
	return []byte("\x89PNG fake"), nil
}

// Handles returns the open window handles in a stable order.
func (d *Driver) Handles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var hs []string
	for _, w := range d.windows {
		if !w.Closed {
			hs = append(hs, w.Handle)
		}
	}
	sort.Strings(hs)
	return hs
}
