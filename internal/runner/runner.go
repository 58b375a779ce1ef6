// Package runner executes the steps of a spreadsheet run against the action
// facade and the context tracker.
package runner

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/action"
	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/modal"
	"github.com/xkilldash9x/stagehand/internal/browser/scope"
	"github.com/xkilldash9x/stagehand/internal/dataset"
	"github.com/xkilldash9x/stagehand/internal/observability"
)

// Step actions.
const (
	ActNavigate      = "navigate"
	ActClick         = "click"
	ActType          = "type"
	ActRead          = "read"
	ActReadAttribute = "read_attribute"
	ActScript        = "script"
	ActExpectText    = "expect_text"
	ActWaitVisible   = "wait_visible"
	ActWaitInvisible = "wait_invisible"
	ActExpectWindow  = "expect_window"
	ActSwitchWindow  = "switch_window"
	ActFrame         = "frame"
	ActParentFrame   = "parent_frame"
	ActDefaultFrame  = "default_frame"
	ActRestoreWindow = "restore_window"
	ActLogin         = "login"
)

// needsSelector lists the actions that act on an element.
var needsSelector = []string{ActClick, ActType, ActRead, ActReadAttribute, ActScript, ActExpectText,
	ActWaitVisible, ActWaitInvisible, ActFrame}

// needsValue lists the actions whose value column is required, with what it holds.
var needsValue = map[string]string{
	ActNavigate:      "a URL",
	ActReadAttribute: "an attribute name",
	ActScript:        "a script",
}

var known = append([]string{ActNavigate, ActExpectWindow, ActSwitchWindow, ActParentFrame,
	ActDefaultFrame, ActRestoreWindow, ActLogin}, needsSelector...)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// LoginFunc signs in with the run's current credentials.
type LoginFunc func(ctx context.Context) error

// Options configures a Runner.
type Options struct {
	// BaseURL resolves relative navigate targets.
	BaseURL           string
	WaitTimeout       time.Duration
	NewWindowTimeout  time.Duration
	ContinueOnFailure bool
}

// Runner executes steps in order on the caller's goroutine.
type Runner struct {
	drv      driver.Driver
	facade   *action.Facade
	tracker  *scope.Tracker
	detector *modal.Detector
	recorder observability.Recorder
	opts     Options
	logger   *zap.Logger

	values   map[string]string
	baseline []string
}

// New creates a Runner. Outcomes go to the facade's recorder.
func New(drv driver.Driver, facade *action.Facade, tracker *scope.Tracker, detector *modal.Detector,
	opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 15 * time.Second
	}
	if opts.NewWindowTimeout <= 0 {
		opts.NewWindowTimeout = 10 * time.Second
	}
	return &Runner{
		drv:      drv,
		facade:   facade,
		tracker:  tracker,
		detector: detector,
		recorder: facade.Recorder(),
		opts:     opts,
		logger:   logger.Named("runner"),
		values:   make(map[string]string),
	}
}

// Validate reports every step with an unknown action or a missing selector.
func Validate(steps []dataset.Step) error {
	var errs error
	for _, s := range steps {
		switch {
		case !slices.Contains(known, s.Action):
			errs = multierr.Append(errs, fmt.Errorf("row %d: unknown action %q", s.Row, s.Action))
		case slices.Contains(needsSelector, s.Action) && s.Selector == "":
			errs = multierr.Append(errs, fmt.Errorf("row %d: %s needs a selector", s.Row, s.Action))
		case needsValue[s.Action] != "" && s.Value == "":
			errs = multierr.Append(errs, fmt.Errorf("row %d: %s needs %s in the value column", s.Row, s.Action, needsValue[s.Action]))
		}
	}
	return errs
}

// Values returns the text captured by read, read_attribute and script steps,
// keyed by step name.
func (r *Runner) Values() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Run executes steps. It stops at the first failing step unless
// ContinueOnFailure is set, and returns the failures joined.
func (r *Runner) Run(ctx context.Context, steps []dataset.Step, login LoginFunc) error {
	if err := Validate(steps); err != nil {
		return fmt.Errorf("invalid steps: %w", err)
	}
	var errs error
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		r.logger.Debug("Running step.", zap.Int("row", s.Row), zap.String("action", s.Action), zap.String("name", s.Name))
		if err := r.step(ctx, s, login); err != nil {
			err = fmt.Errorf("row %d (%s): %w", s.Row, s.Action, err)
			r.logger.Warn("Step failed.", zap.Int("row", s.Row), zap.String("code", string(driver.CodeOf(err))), zap.Error(err))
			errs = multierr.Append(errs, err)
			if !r.opts.ContinueOnFailure {
				return errs
			}
		}
	}
	return errs
}

func (r *Runner) step(ctx context.Context, s dataset.Step, login LoginFunc) error {
	loc := driver.Parse(s.Name, s.Selector)
	value := r.expand(s.Value)

	switch s.Action {
	case ActNavigate:
		target, err := r.resolveURL(value)
		if err != nil {
			r.recorder.RecordFailure(fmt.Sprintf("Could not open %s.", value), err)
			return err
		}
		return r.facade.Navigate(ctx, target)
	case ActClick:
		// Popups and modals are classified against the handles seen before the trigger.
		baseline, err := r.detector.Baseline(ctx)
		if err != nil {
			r.logger.Debug("Could not snapshot window handles before the click.", zap.Error(err))
		}
		r.baseline = baseline
		_, err = r.facade.Click(ctx, loc)
		return err
	case ActType:
		_, err := r.facade.Type(ctx, loc, value)
		return err
	case ActRead:
		text, err := r.facade.ReadText(ctx, loc, r.timeout(s, r.opts.WaitTimeout))
		if err != nil {
			return err
		}
		r.values[key(s)] = text
		return nil
	case ActReadAttribute:
		v, err := r.facade.ReadAttribute(ctx, loc, value, r.timeout(s, r.opts.WaitTimeout))
		if err != nil {
			return err
		}
		r.values[key(s)] = v
		return nil
	case ActScript:
		// Captured values are not expanded into scripts.
		v, err := r.facade.Evaluate(ctx, loc, s.Value, r.timeout(s, r.opts.WaitTimeout))
		if err != nil {
			return err
		}
		r.values[key(s)] = v
		return nil
	case ActExpectText:
		return r.facade.ExpectText(ctx, loc, value, r.timeout(s, r.opts.WaitTimeout))
	case ActWaitVisible:
		return r.facade.WaitVisible(ctx, loc, r.timeout(s, r.opts.WaitTimeout))
	case ActWaitInvisible:
		return r.facade.WaitInvisible(ctx, loc, r.timeout(s, r.opts.WaitTimeout))
	case ActExpectWindow:
		return r.expectWindow(ctx, s, loc)
	case ActSwitchWindow:
		return r.switchWindow(ctx, s, value)
	case ActFrame:
		return r.scoped(fmt.Sprintf("Entered frame %s.", label(loc)), fmt.Sprintf("Could not enter frame %s.", label(loc)),
			r.tracker.DescendIntoFrame(ctx, loc))
	case ActParentFrame:
		return r.scoped("Returned to the parent frame.", "Could not return to the parent frame.",
			r.tracker.AscendToParentFrame(ctx))
	case ActDefaultFrame:
		return r.scoped("Returned to the top document.", "Could not return to the top document.",
			r.tracker.ResetToDefault(ctx))
	case ActRestoreWindow:
		return r.scoped("Returned to the original window.", "Could not return to the original window.",
			r.tracker.RestoreOrigin(ctx))
	case ActLogin:
		if login == nil {
			err := fmt.Errorf("no credentials configured")
			r.recorder.RecordFailure("Could not sign in.", err)
			return err
		}
		return login(ctx)
	}
	return fmt.Errorf("unknown action %q", s.Action)
}

// expectWindow waits for the last click to open a window or, when the step
// names a selector, to show that element as an in-page modal.
func (r *Runner) expectWindow(ctx context.Context, s dataset.Step, loc driver.Locator) error {
	hint := modal.Hint{Baseline: r.baseline}
	if s.Selector != "" {
		hint.Overlay = &loc
	}
	obs, err := r.detector.Classify(ctx, hint, r.timeout(s, r.opts.NewWindowTimeout))
	if err != nil {
		r.recorder.RecordFailure("No window or dialog appeared.", err)
		return err
	}
	if obs.Kind == modal.Overlay {
		r.recorder.RecordSuccess(fmt.Sprintf("%s appeared in the page.", label(loc)))
		return nil
	}
	if err := r.tracker.EnterWindow(ctx, obs.Handle); err != nil {
		r.recorder.RecordFailure("Could not switch to the new window.", err)
		return err
	}
	r.baseline = nil
	r.recorder.RecordSuccess("Switched to the new window.")
	return nil
}

// switchWindow accepts "origin", a zero-based index into the open windows,
// a handle, or nothing for any window other than the current one.
func (r *Runner) switchWindow(ctx context.Context, s dataset.Step, target string) error {
	fail := func(err error) error {
		r.recorder.RecordFailure("Could not switch window.", err)
		return err
	}
	switch {
	case target == "":
		current, err := r.tracker.CurrentWindow(ctx)
		if err != nil {
			return fail(err)
		}
		if _, err := r.tracker.SwitchToWindowOtherThan(ctx, current, r.timeout(s, r.opts.NewWindowTimeout)); err != nil {
			return fail(err)
		}
	case strings.EqualFold(target, "origin"):
		if err := r.tracker.RestoreOrigin(ctx); err != nil {
			return fail(err)
		}
	default:
		handle := target
		if i, err := strconv.Atoi(target); err == nil {
			handles, err := r.drv.WindowHandles(ctx)
			if err != nil {
				return fail(err)
			}
			if i < 0 || i >= len(handles) {
				return fail(fmt.Errorf("window index %d out of range, %d windows open", i, len(handles)))
			}
			handle = handles[i]
		}
		if err := r.tracker.SwitchToWindow(ctx, handle); err != nil {
			return fail(err)
		}
	}
	r.recorder.RecordSuccess(fmt.Sprintf("Switched to window %s.", r.tracker.Current().Window))
	return nil
}

func (r *Runner) scoped(success, failure string, err error) error {
	if err != nil {
		r.recorder.RecordFailure(failure, err)
		return err
	}
	r.recorder.RecordSuccess(success)
	return nil
}

func (r *Runner) resolveURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.IsAbs() || r.opts.BaseURL == "" {
		return u.String(), nil
	}
	base, err := url.Parse(r.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", r.opts.BaseURL, err)
	}
	return base.ResolveReference(u).String(), nil
}

// expand substitutes ${name} with text captured by earlier read steps.
// Unknown names are left as written.
func (r *Runner) expand(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := r.values[placeholder.FindStringSubmatch(m)[1]]; ok {
			return v
		}
		return m
	})
}

func (r *Runner) timeout(s dataset.Step, def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return def
}

func key(s dataset.Step) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("row%d", s.Row)
}

func label(loc driver.Locator) string {
	if loc.Name != "" {
		return loc.Name
	}
	return loc.Selector
}
