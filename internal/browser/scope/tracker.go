// Package scope tracks which window and frame the driver currently resolves
// locators against. The Tracker is the only code that changes that state.
package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
	"github.com/xkilldash9x/stagehand/internal/observability"
)

// MaxFrameDepth is the deepest frame nesting the tracker will enter.
const MaxFrameDepth = 2

// Kind names the current scope.
type Kind int

const (
	KindDefault Kind = iota
	KindFrame
	KindWindow
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindWindow:
		return "window"
	default:
		return "default"
	}
}

// Context is a snapshot of the tracked scope.
type Context struct {
	Kind   Kind
	Depth  int
	Window string
}

func (c Context) String() string {
	if c.Kind == KindFrame {
		return fmt.Sprintf("frame(%d)@%s", c.Depth, c.Window)
	}
	return fmt.Sprintf("%s@%s", c.Kind, c.Window)
}

// Options configures a Tracker.
type Options struct {
	// FrameTimeout bounds the wait for a frame element before descending.
	FrameTimeout time.Duration
	MaxDepth     int
}

// Tracker owns the current window and frame depth. It is not safe for
// concurrent use; a run has a single goroutine of control.
type Tracker struct {
	drv      driver.Driver
	poller   *wait.Poller
	recorder observability.Recorder
	logger   *zap.Logger
	opts     Options

	origin string
	window string
	depth  int
}

// NewTracker creates a tracker. Call Init before switching.
func NewTracker(drv driver.Driver, poller *wait.Poller, recorder observability.Recorder, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxDepth <= 0 || opts.MaxDepth > MaxFrameDepth {
		opts.MaxDepth = MaxFrameDepth
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = 10 * time.Second
	}
	return &Tracker{
		drv:      drv,
		poller:   poller,
		recorder: observability.OrNop(recorder),
		logger:   logger.Named("scope"),
		opts:     opts,
	}
}

// Init records the driver's current window as the origin and resets to the
// top document.
func (t *Tracker) Init(ctx context.Context) error {
	h, err := t.drv.CurrentWindow(ctx)
	if err != nil {
		return &driver.ContextError{Op: "read current window", Err: err}
	}
	t.origin, t.window = h, h
	return t.ResetToDefault(ctx)
}

// Current returns the tracked scope.
func (t *Tracker) Current() Context {
	c := Context{Depth: t.depth, Window: t.window}
	switch {
	case t.depth > 0:
		c.Kind = KindFrame
	case t.window != t.origin:
		c.Kind = KindWindow
	default:
		c.Kind = KindDefault
	}
	return c
}

// Origin returns the window recorded by Init.
func (t *Tracker) Origin() string { return t.origin }

// CurrentWindow returns the driver's live current window handle.
func (t *Tracker) CurrentWindow(ctx context.Context) (string, error) {
	h, err := t.drv.CurrentWindow(ctx)
	if err != nil {
		return "", &driver.ContextError{Op: "read current window", Err: err}
	}
	return h, nil
}

// SwitchToWindow makes handle current with frame depth 0. When the switch
// fails the tracker falls back to the first live window, records a warning
// and returns nil; it only fails when no window can be made current.
func (t *Tracker) SwitchToWindow(ctx context.Context, handle string) error {
	if err := t.drv.SwitchWindow(ctx, handle); err != nil {
		return t.recover(ctx, "switch to window", handle, err)
	}
	t.window, t.depth = handle, 0
	t.logger.Debug("Switched window.", zap.String("handle", handle))
	return nil
}

// EnterWindow makes handle current like SwitchToWindow, but fails with an
// error matching driver.ErrContextSwitchFailed when handle itself could not
// be entered, even after the tracker recovered into another window.
func (t *Tracker) EnterWindow(ctx context.Context, handle string) error {
	err := t.drv.SwitchWindow(ctx, handle)
	if err == nil {
		t.window, t.depth = handle, 0
		t.logger.Debug("Switched window.", zap.String("handle", handle))
		return nil
	}
	if rerr := t.recover(ctx, "switch to window", handle, err); rerr != nil {
		return rerr
	}
	return &driver.ContextError{Op: "switch to window", Target: handle, Err: err}
}

// SwitchToWindowOtherThan polls the live handle set until it holds a handle
// other than exclude, then switches to it, trying each new handle in turn. It
// fails with an error matching driver.ErrNewWindowTimeout when no such handle
// appears within timeout, and with one matching driver.ErrContextSwitchFailed
// when none of the new handles can be made current.
func (t *Tracker) SwitchToWindowOtherThan(ctx context.Context, exclude string, timeout time.Duration) (string, error) {
	var found []string
	err := t.poller.Until(ctx, timeout, "new window", driver.Locator{}, func(ctx context.Context) (bool, error) {
		handles, err := t.drv.WindowHandles(ctx)
		if err != nil {
			return false, err
		}
		found = found[:0]
		for _, h := range handles {
			if h != exclude {
				found = append(found, h)
			}
		}
		return len(found) > 0, nil
	})
	if err != nil {
		var te *driver.TimeoutError
		if errors.As(err, &te) {
			return "", &driver.TimeoutError{
				Condition: fmt.Sprintf("a window other than %s", exclude),
				Waited:    te.Waited,
				Last:      te.Last,
				NewWindow: true,
			}
		}
		return "", err
	}

	var causes error
	for _, h := range found {
		if err := t.drv.SwitchWindow(ctx, h); err != nil {
			causes = multierr.Append(causes, fmt.Errorf("%s: %w", h, err))
			continue
		}
		t.window, t.depth = h, 0
		t.logger.Debug("Switched to new window.", zap.String("handle", h))
		return h, nil
	}
	target := fmt.Sprintf("a window other than %s", exclude)
	if rerr := t.recover(ctx, "switch to new window", target, causes); rerr != nil {
		return "", rerr
	}
	return "", &driver.ContextError{Op: "switch to new window", Target: target, Err: causes}
}

// DescendIntoFrame enters the frame matched by loc.
func (t *Tracker) DescendIntoFrame(ctx context.Context, loc driver.Locator) error {
	if t.depth >= t.opts.MaxDepth {
		return &driver.ContextError{Op: "descend into frame", Target: loc.String(),
			Err: fmt.Errorf("frame depth limit %d reached", t.opts.MaxDepth)}
	}
	el, err := t.poller.Element(ctx, loc, wait.Present, t.opts.FrameTimeout)
	if err != nil {
		return &driver.ContextError{Op: "descend into frame", Target: loc.String(), Err: err}
	}
	defer func() { _ = t.drv.Release(context.WithoutCancel(ctx), el) }()

	if err := t.drv.EnterFrame(ctx, el); err != nil {
		return &driver.ContextError{Op: "descend into frame", Target: loc.String(), Err: err}
	}
	t.depth++
	t.logger.Debug("Entered frame.", zap.Stringer("frame", loc), zap.Int("depth", t.depth))
	return nil
}

// AscendToParentFrame leaves the current frame. At depth 0 it does nothing.
func (t *Tracker) AscendToParentFrame(ctx context.Context) error {
	if t.depth == 0 {
		return nil
	}
	if err := t.drv.ParentFrame(ctx); err != nil {
		return t.recoverToDefault(ctx, "ascend to parent frame", err)
	}
	t.depth--
	return nil
}

// ResetToDefault returns to the top document of the current window. It is
// valid from every state.
func (t *Tracker) ResetToDefault(ctx context.Context) error {
	if err := t.drv.DefaultContent(ctx); err != nil {
		return t.recover(ctx, "reset to default content", t.window, err)
	}
	t.depth = 0
	return nil
}

// RestoreOrigin switches back to the window recorded by Init.
func (t *Tracker) RestoreOrigin(ctx context.Context) error {
	if t.window == t.origin {
		return t.ResetToDefault(ctx)
	}
	return t.SwitchToWindow(ctx, t.origin)
}

// Restore returns to a previously captured context's window at depth 0.
func (t *Tracker) Restore(ctx context.Context, c Context) error {
	if c.Window == "" || c.Window == t.window {
		return t.ResetToDefault(ctx)
	}
	return t.SwitchToWindow(ctx, c.Window)
}

func (t *Tracker) recoverToDefault(ctx context.Context, op string, cause error) error {
	if err := t.drv.DefaultContent(ctx); err == nil {
		t.depth = 0
		t.warn(fmt.Sprintf("%s failed (%v); reset to top document of %s", op, cause, t.window))
		return &driver.ContextError{Op: op, Err: cause}
	}
	return t.recover(ctx, op, t.window, cause)
}

// recover makes the first live window current. It returns nil when that
// succeeds, so a lost window never strands the session.
func (t *Tracker) recover(ctx context.Context, op, target string, cause error) error {
	handles, herr := t.drv.WindowHandles(ctx)
	if herr == nil {
		for _, h := range handles {
			if err := t.drv.SwitchWindow(ctx, h); err != nil {
				continue
			}
			t.window, t.depth = h, 0
			t.warn(fmt.Sprintf("%s %s failed (%v); continuing in window %s", op, target, cause, h))
			return nil
		}
	}
	t.depth = 0
	return &driver.ContextError{Op: op, Target: target, Err: multierr.Append(cause, herr)}
}

func (t *Tracker) warn(msg string) {
	t.logger.Warn("Context recovered after a failed switch.", zap.String("detail", msg))
	t.recorder.RecordWarning(msg)
}

// LocateInFrames searches the current window for loc, starting at the top
// document and descending up to maxDepth frame levels. On success the
// tracker is left in the scope where loc resolved; otherwise it is reset to
// the top document.
func (t *Tracker) LocateInFrames(ctx context.Context, loc driver.Locator, maxDepth int) (bool, error) {
	if maxDepth > t.opts.MaxDepth {
		maxDepth = t.opts.MaxDepth
	}
	if err := t.ResetToDefault(ctx); err != nil {
		return false, err
	}
	found, err := t.search(ctx, loc, maxDepth)
	if err != nil || !found {
		if rerr := t.ResetToDefault(ctx); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	return found, err
}

// Locate searches the current window's frames and then every other window
// for loc. It is used to retry an action whose element lives outside the
// current scope. When nothing matches, the starting window is restored.
func (t *Tracker) Locate(ctx context.Context, loc driver.Locator) (bool, error) {
	start := t.window
	if found, err := t.LocateInFrames(ctx, loc, t.opts.MaxDepth); found || err != nil {
		return found, err
	}

	handles, err := t.drv.WindowHandles(ctx)
	if err != nil {
		return false, &driver.ContextError{Op: "list windows", Err: err}
	}
	for _, h := range handles {
		if h == start {
			continue
		}
		if err := t.drv.SwitchWindow(ctx, h); err != nil {
			continue
		}
		t.window, t.depth = h, 0
		found, err := t.search(ctx, loc, t.opts.MaxDepth)
		if err != nil {
			return false, err
		}
		if found {
			t.logger.Debug("Located element in another window.", zap.Stringer("locator", loc), zap.String("handle", h))
			return true, nil
		}
	}
	return false, t.SwitchToWindow(ctx, start)
}

func (t *Tracker) search(ctx context.Context, loc driver.Locator, remaining int) (bool, error) {
	if t.present(ctx, loc) {
		return true, nil
	}
	if remaining == 0 {
		return false, nil
	}
	frames, err := t.drv.Find(ctx, driver.Locator{Name: "frame", Selector: driver.FrameSelector})
	if err != nil {
		return false, nil
	}
	defer func() { _ = t.drv.Release(context.WithoutCancel(ctx), frames...) }()

	for _, f := range frames {
		if err := t.drv.EnterFrame(ctx, f); err != nil {
			continue
		}
		t.depth++
		found, err := t.search(ctx, loc, remaining-1)
		if found || err != nil {
			return found, err
		}
		if err := t.drv.ParentFrame(ctx); err != nil {
			return false, t.recoverToDefault(ctx, "leave frame during search", err)
		}
		t.depth--
	}
	return false, nil
}

func (t *Tracker) present(ctx context.Context, loc driver.Locator) bool {
	els, err := t.drv.Find(ctx, loc)
	if err != nil || len(els) == 0 {
		return false
	}
	_ = t.drv.Release(ctx, els...)
	return true
}
