// Package driver defines the browser session surface the interaction engine
// consumes, along with the value types and error taxonomy shared by every
// layer above it.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FrameSelector matches every frame element of a document.
const FrameSelector = "iframe, frame"

// By selects how a Locator's selector is interpreted.
type By int

const (
	ByCSS By = iota
	ByXPath
)

func (b By) String() string {
	if b == ByXPath {
		return "xpath"
	}
	return "css"
}

// Locator describes how to resolve zero or more elements. It is a value type
// and is never mutated after construction.
type Locator struct {
	// Name is the human readable label used in logs and errors.
	Name     string
	Selector string
	By       By
}

// CSS builds a CSS locator.
func CSS(name, selector string) Locator {
	return Locator{Name: name, Selector: selector, By: ByCSS}
}

// XPath builds an XPath locator.
func XPath(name, selector string) Locator {
	return Locator{Name: name, Selector: selector, By: ByXPath}
}

// Parse builds a locator, treating selectors that start with "/" or "(" as XPath.
func Parse(name, selector string) Locator {
	s := strings.TrimSpace(selector)
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(") {
		return XPath(name, s)
	}
	return CSS(name, s)
}

// IsZero reports whether the locator has no selector.
func (l Locator) IsZero() bool { return l.Selector == "" }

func (l Locator) String() string {
	if l.Name == "" {
		return fmt.Sprintf("%s=%s", l.By, l.Selector)
	}
	return fmt.Sprintf("%s (%s=%s)", l.Name, l.By, l.Selector)
}

// Element is an ephemeral reference to a node found by a Driver. It is valid
// for one action and must not be cached across actions.
type Element struct {
	ID      string
	Locator Locator
	// Path lists the frame element ids, outermost first, that scope the node.
	Path []string
}

// Rect is a bounding box in top-level viewport CSS pixels.
type Rect struct {
	X, Y, Width, Height float64
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Collapsed reports whether the box has no area.
func (r Rect) Collapsed() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ElementState is a single read of a node's geometry and interactivity.
type ElementState struct {
	Attached bool
	// Visible reflects computed style only; a collapsed box can still be visible.
	Visible  bool
	Enabled  bool
	Obscured bool
	Rect     Rect
	Tag      string
	Type     string
}

// Clickable reports visible, enabled and not covered at the centre point.
func (s ElementState) Clickable() bool {
	return s.Attached && s.Visible && s.Enabled && !s.Obscured
}

// Driver is the single-owner browser session handle. Element-scoped calls
// resolve against the frame path recorded on the Element; Find resolves
// against the current window and frame.
type Driver interface {
	Find(ctx context.Context, loc Locator) ([]Element, error)
	State(ctx context.Context, el Element) (ElementState, error)
	Text(ctx context.Context, el Element) (string, error)
	Value(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, error)

	Focus(ctx context.Context, el Element) error
	Clear(ctx context.Context, el Element) error
	// SetValue assigns the value property without firing any events.
	SetValue(ctx context.Context, el Element, value string) error
	DispatchEvent(ctx context.Context, el Element, event string) error
	// Click performs a native click on the node and fails with ErrIntercepted
	// when another node receives the hit.
	Click(ctx context.Context, el Element) error
	MouseMove(ctx context.Context, x, y float64) error
	MouseClick(ctx context.Context, x, y float64) error
	// Keys types text into the focused node as native key events.
	Keys(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	ScrollIntoView(ctx context.Context, el Element) error
	// Ancestor returns the closest ancestor matching a CSS selector, or
	// ErrElementNotFound.
	Ancestor(ctx context.Context, el Element, css string) (Element, error)
	Release(ctx context.Context, els ...Element) error
	// Eval runs a function body with the node bound to `el` and returns its
	// JSON encoded result.
	Eval(ctx context.Context, el Element, body string) (json.RawMessage, error)

	WindowHandles(ctx context.Context) ([]string, error)
	CurrentWindow(ctx context.Context) (string, error)
	SwitchWindow(ctx context.Context, handle string) error
	EnterFrame(ctx context.Context, el Element) error
	ParentFrame(ctx context.Context) error
	DefaultContent(ctx context.Context) error

	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	ReadyState(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}
