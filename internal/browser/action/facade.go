// Package action exposes the semantic operations callers use: click, type,
// read text or attributes, run element scripts, wait for visibility and
// navigate.
//
// The Facade is the boundary where a failure becomes a recorded fault. Every
// operation records exactly one outcome (success, warning for a degraded
// success, or failure) and returns the error to the caller. Nothing below this
// layer records outcomes, and nothing at this layer swallows an error.
//
// When an action fails because its element could not be resolved in the
// current scope, the facade asks the context tracker to locate it in another
// frame or window and retries the action once. That is the only retry at this
// level; the strategy ladder below handles everything else.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/scope"
	"github.com/xkilldash9x/stagehand/internal/browser/strategy"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
	"github.com/xkilldash9x/stagehand/internal/observability"
)

// Options holds the facade's timeouts.
type Options struct {
	// ReadyTimeout bounds element resolution for click and type.
	ReadyTimeout time.Duration
	// StrategyTimeout bounds each strategy attempt.
	StrategyTimeout time.Duration
	// PageLoadTimeout bounds the readiness wait after navigation.
	PageLoadTimeout time.Duration
	// Relocate enables the single locate-and-retry on resolution failures.
	Relocate bool
}

// Facade composes the executor, poller and tracker over one driver.
type Facade struct {
	drv      driver.Driver
	poller   *wait.Poller
	exec     *strategy.Executor
	tracker  *scope.Tracker
	recorder observability.Recorder
	opts     Options
	logger   *zap.Logger
}

// New creates a Facade. A nil recorder discards outcomes; a nil tracker
// disables relocation.
func New(drv driver.Driver, poller *wait.Poller, exec *strategy.Executor, tracker *scope.Tracker,
	recorder observability.Recorder, opts Options, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = 30 * time.Second
	}
	return &Facade{
		drv:      drv,
		poller:   poller,
		exec:     exec,
		tracker:  tracker,
		recorder: observability.OrNop(recorder),
		opts:     opts,
		logger:   logger.Named("action"),
	}
}

// Recorder returns the recorder outcomes are sent to.
func (f *Facade) Recorder() observability.Recorder { return f.recorder }

// Click activates the element matched by loc.
func (f *Facade) Click(ctx context.Context, loc driver.Locator) (strategy.Result, error) {
	return f.perform(ctx, strategy.Request{
		Kind:            strategy.Click,
		Locator:         loc,
		StrategyTimeout: f.opts.StrategyTimeout,
		ReadyTimeout:    f.opts.ReadyTimeout,
	})
}

// Type replaces the value of the field matched by loc with text. The text
// never appears in recorded messages or logs.
func (f *Facade) Type(ctx context.Context, loc driver.Locator, text string) (strategy.Result, error) {
	return f.perform(ctx, strategy.Request{
		Kind:            strategy.TypeText,
		Locator:         loc,
		Payload:         text,
		StrategyTimeout: f.opts.StrategyTimeout,
		ReadyTimeout:    f.opts.ReadyTimeout,
	})
}

func (f *Facade) perform(ctx context.Context, req strategy.Request) (strategy.Result, error) {
	res := f.exec.Perform(ctx, req)
	if res.Err != nil && f.relocatable(res.Err) {
		start := f.tracker.Current()
		if found, lerr := f.tracker.Locate(ctx, req.Locator); lerr == nil && found {
			f.logger.Info("Element found in another context, retrying once.",
				zap.Stringer("locator", req.Locator),
				zap.Stringer("context", f.tracker.Current()))
			res = f.exec.Perform(ctx, req)
			if res.Err != nil {
				// The retry failed in the relocated scope; go back to where the action started.
				res.Err = multierr.Append(res.Err, f.tracker.Restore(ctx, start))
			}
		} else if lerr != nil {
			f.logger.Debug("Relocation failed.", zap.Stringer("locator", req.Locator), zap.Error(lerr))
		}
	}

	verb := describe(req.Kind)
	if res.Err != nil {
		err := fmt.Errorf("%s %s: %w", verb, req.Locator, res.Err)
		f.recorder.RecordFailure(fmt.Sprintf("Could not %s %s.", verb, label(req.Locator)), err)
		return res, err
	}
	switch {
	case res.Degraded:
		f.recorder.RecordWarning(fmt.Sprintf("%s %s with the %s strategy, unverified (observed %d characters).",
			past(req.Kind), label(req.Locator), res.StrategyUsed, len(res.ObservedValue)))
	default:
		f.recorder.RecordSuccess(fmt.Sprintf("%s %s (%s).", past(req.Kind), label(req.Locator), res.StrategyUsed))
	}
	return res, nil
}

func (f *Facade) relocatable(err error) bool {
	if f.tracker == nil || !f.opts.Relocate {
		return false
	}
	if errors.Is(err, driver.ErrStrategiesExhausted) {
		return false
	}
	return errors.Is(err, driver.ErrTimeout) || errors.Is(err, driver.ErrElementNotFound)
}

// ReadText waits for loc to be visible and returns its trimmed text.
func (f *Facade) ReadText(ctx context.Context, loc driver.Locator, timeout time.Duration) (string, error) {
	el, err := f.poller.Element(ctx, loc, wait.Visible, timeout)
	if err != nil {
		err = fmt.Errorf("read text of %s: %w", loc, err)
		f.recorder.RecordFailure(fmt.Sprintf("Could not read %s.", label(loc)), err)
		return "", err
	}
	defer func() { _ = f.drv.Release(context.WithoutCancel(ctx), el) }()

	text, err := f.drv.Text(ctx, el)
	if err != nil {
		err = fmt.Errorf("read text of %s: %w", loc, err)
		f.recorder.RecordFailure(fmt.Sprintf("Could not read %s.", label(loc)), err)
		return "", err
	}
	text = strings.TrimSpace(text)
	f.recorder.RecordSuccess(fmt.Sprintf("Read %s.", label(loc)))
	return text, nil
}

// ReadAttribute waits for loc to be present and returns its attribute name,
// or "" when the element does not carry it.
func (f *Facade) ReadAttribute(ctx context.Context, loc driver.Locator, name string, timeout time.Duration) (string, error) {
	fail := func(err error) (string, error) {
		err = fmt.Errorf("read %s of %s: %w", name, loc, err)
		f.recorder.RecordFailure(fmt.Sprintf("Could not read %s of %s.", name, label(loc)), err)
		return "", err
	}
	el, err := f.poller.Element(ctx, loc, wait.Present, timeout)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = f.drv.Release(context.WithoutCancel(ctx), el) }()

	v, err := f.drv.Attribute(ctx, el, name)
	if err != nil {
		return fail(err)
	}
	f.recorder.RecordSuccess(fmt.Sprintf("Read %s of %s.", name, label(loc)))
	return v, nil
}

// Evaluate runs body with the element matched by loc bound to `el`. A string
// result is returned as is; any other result is returned as JSON.
func (f *Facade) Evaluate(ctx context.Context, loc driver.Locator, body string, timeout time.Duration) (string, error) {
	fail := func(err error) (string, error) {
		err = fmt.Errorf("run script on %s: %w", loc, err)
		f.recorder.RecordFailure(fmt.Sprintf("Script failed on %s.", label(loc)), err)
		return "", err
	}
	el, err := f.poller.Element(ctx, loc, wait.Present, timeout)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = f.drv.Release(context.WithoutCancel(ctx), el) }()

	raw, err := f.drv.Eval(ctx, el, body)
	if err != nil {
		return fail(err)
	}
	var out string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &out); err != nil {
		out = string(raw)
	}
	f.recorder.RecordSuccess(fmt.Sprintf("Ran script on %s.", label(loc)))
	return out, nil
}

// ExpectText reads loc and fails with a VerificationError unless its text
// contains want.
func (f *Facade) ExpectText(ctx context.Context, loc driver.Locator, want string, timeout time.Duration) error {
	var got string
	err := f.poller.Until(ctx, timeout, fmt.Sprintf("text contains %q", want), loc, func(ctx context.Context) (bool, error) {
		el, err := f.poller.Element(ctx, loc, wait.Visible, 0)
		if err != nil {
			return false, err
		}
		defer func() { _ = f.drv.Release(context.WithoutCancel(ctx), el) }()
		got, err = f.drv.Text(ctx, el)
		if err != nil {
			return false, err
		}
		return strings.Contains(got, want), nil
	})
	if err != nil {
		if errors.Is(err, driver.ErrTimeout) && got != "" {
			err = &driver.VerificationError{Strategy: "text", Want: want, Got: strings.TrimSpace(got)}
		}
		err = fmt.Errorf("expect text of %s: %w", loc, err)
		f.recorder.RecordFailure(fmt.Sprintf("%s does not show the expected text.", label(loc)), err)
		return err
	}
	f.recorder.RecordSuccess(fmt.Sprintf("%s shows the expected text.", label(loc)))
	return nil
}

// WaitVisible waits for loc to become visible.
func (f *Facade) WaitVisible(ctx context.Context, loc driver.Locator, timeout time.Duration) error {
	el, err := f.poller.Element(ctx, loc, wait.Visible, timeout)
	if err != nil {
		err = fmt.Errorf("wait for %s: %w", loc, err)
		f.recorder.RecordFailure(fmt.Sprintf("%s did not become visible.", label(loc)), err)
		return err
	}
	_ = f.drv.Release(ctx, el)
	f.recorder.RecordSuccess(fmt.Sprintf("%s is visible.", label(loc)))
	return nil
}

// WaitInvisible waits until no node matching loc is visible.
func (f *Facade) WaitInvisible(ctx context.Context, loc driver.Locator, timeout time.Duration) error {
	if err := f.poller.Invisible(ctx, loc, timeout); err != nil {
		err = fmt.Errorf("wait for %s to disappear: %w", loc, err)
		f.recorder.RecordFailure(fmt.Sprintf("%s did not disappear.", label(loc)), err)
		return err
	}
	f.recorder.RecordSuccess(fmt.Sprintf("%s is gone.", label(loc)))
	return nil
}

// IsVisible reports whether loc is visible right now. It does not record.
func (f *Facade) IsVisible(ctx context.Context, loc driver.Locator) bool {
	el, err := f.poller.Element(ctx, loc, wait.Visible, 0)
	if err != nil {
		return false
	}
	_ = f.drv.Release(ctx, el)
	return true
}

// Navigate loads url in the current window, waits for the document to be
// ready and resets the tracked scope to the top document.
func (f *Facade) Navigate(ctx context.Context, url string) error {
	f.logger.Info("Navigating.", zap.String("url", url))
	navCtx, cancel := context.WithTimeout(ctx, f.opts.PageLoadTimeout)
	defer cancel()

	err := f.drv.Navigate(navCtx, url)
	if err == nil {
		err = f.poller.PageReady(navCtx, f.opts.PageLoadTimeout)
	}
	if err != nil {
		if navCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("navigation to %s timed out after %v: %w", url, f.opts.PageLoadTimeout, err)
		} else {
			err = fmt.Errorf("navigation to %s failed: %w", url, err)
		}
		f.recorder.RecordFailure(fmt.Sprintf("Could not open %s.", url), err)
		return err
	}
	if f.tracker != nil {
		if err := f.tracker.ResetToDefault(ctx); err != nil {
			f.recorder.RecordFailure(fmt.Sprintf("Lost the page context after opening %s.", url), err)
			return err
		}
	}
	f.recorder.RecordSuccess(fmt.Sprintf("Opened %s.", url))
	return nil
}

func describe(k strategy.Kind) string {
	if k == strategy.TypeText {
		return "type into"
	}
	return string(k)
}

func past(k strategy.Kind) string {
	if k == strategy.TypeText {
		return "Typed into"
	}
	return "Clicked"
}

func label(loc driver.Locator) string {
	if loc.Name != "" {
		return loc.Name
	}
	return loc.Selector
}
