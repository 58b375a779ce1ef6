package strategy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/drivertest"
	"github.com/xkilldash9x/stagehand/internal/browser/strategy"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
)

func newExecutor(t *testing.T) (*drivertest.Driver, *strategy.Executor) {
	t.Helper()
	clock := drivertest.NewClock()
	drv := drivertest.New(clock)
	logger := zaptest.NewLogger(t)
	poller := wait.NewPoller(drv, clock, 250*time.Millisecond, logger)
	exec := strategy.NewExecutor(drv, poller, strategy.Options{
		ReadyTimeout:    2 * time.Second,
		StrategyTimeout: time.Second,
		CharDelay:       20 * time.Millisecond,
	}, logger)
	return drv, exec
}

func click(loc driver.Locator) strategy.Request {
	return strategy.Request{Kind: strategy.Click, Locator: loc}
}

func typeText(loc driver.Locator, text string) strategy.Request {
	return strategy.Request{Kind: strategy.TypeText, Locator: loc, Payload: text}
}

func TestChains(t *testing.T) {
	_, exec := newExecutor(t)
	assert.Equal(t, []string{"direct", "synthetic", "pointer", "ancestor", "keyboard"}, exec.Chain(strategy.Click))
	assert.Equal(t, []string{"native", "events", "per-char", "forced"}, exec.Chain(strategy.TypeText))
}

func TestClick(t *testing.T) {
	t.Run("clickable element succeeds on the direct strategy", func(t *testing.T) {
		drv, exec := newExecutor(t)
		btn := drivertest.Button("login", "#login")
		drv.Add(btn)

		res := exec.Perform(t.Context(), click(driver.CSS("login", "#login")))
		require.NoError(t, res.Err)
		assert.True(t, res.Succeeded)
		assert.Equal(t, "direct", res.StrategyUsed)
		assert.False(t, res.Degraded)
		assert.Equal(t, []string{"direct"}, res.Tried)
		assert.Equal(t, 1, btn.Clicks)
		assert.Equal(t, 1, drv.Released(), "the element reference is released after the action")
	})

	t.Run("a failed direct click falls through to a single synthetic click", func(t *testing.T) {
		drv, exec := newExecutor(t)
		btn := drivertest.Button("pay", "#pay")
		btn.Fail = map[string]error{drivertest.OpClick: errors.New("node has no layout object")}
		drv.Add(btn)

		res := exec.Perform(t.Context(), click(driver.CSS("pay", "#pay")))
		require.True(t, res.Succeeded)
		assert.Equal(t, "synthetic", res.StrategyUsed)
		assert.Equal(t, 1, btn.Clicks, "only one activation reaches the page")
		assert.Equal(t, []string{"dispatch:click"}, btn.Events)
	})

	t.Run("intercepted element exhausts all strategies with ordered causes", func(t *testing.T) {
		drv, exec := newExecutor(t)
		btn := drivertest.Button("continue", "#continue")
		btn.Obscured = true
		btn.Fail = map[string]error{
			drivertest.OpDispatch: errors.New("event listener rejected untrusted click"),
			drivertest.OpFocus:    errors.New("element cannot be focused"),
		}
		drv.Add(btn)
		loc := driver.CSS("continue", "#continue")

		res := exec.Perform(t.Context(), click(loc))
		assert.False(t, res.Succeeded)
		require.Error(t, res.Err)
		assert.ErrorIs(t, res.Err, driver.ErrStrategiesExhausted)
		assert.ErrorIs(t, res.Err, driver.ErrIntercepted)

		var exhausted *driver.ExhaustedError
		require.True(t, errors.As(res.Err, &exhausted))
		assert.Equal(t, loc, exhausted.Locator)
		assert.Equal(t, []string{"direct", "synthetic", "pointer", "keyboard"}, exhausted.Strategies())
		require.Len(t, exhausted.Causes, 4)
		assert.ErrorIs(t, exhausted.Causes[0].Err, driver.ErrIntercepted)
		assert.ErrorContains(t, exhausted.Causes[1].Err, "untrusted click")
		assert.ErrorIs(t, exhausted.Causes[2].Err, driver.ErrIntercepted)
		assert.ErrorContains(t, exhausted.Causes[3].Err, "cannot be focused")
		assert.Zero(t, btn.Clicks)
	})

	t.Run("covered child is clicked through its interactive ancestor", func(t *testing.T) {
		drv, exec := newExecutor(t)
		link := drivertest.Button("menu link", "a.menu")
		link.Tag = "a"
		icon := drivertest.Div("menu icon", "a.menu svg")
		icon.Parent = link
		icon.Obscured = true
		icon.Fail = map[string]error{drivertest.OpDispatch: errors.New("svg elements ignore synthetic clicks")}
		drv.Add(link, icon)

		res := exec.Perform(t.Context(), click(driver.CSS("menu icon", "a.menu svg")))
		require.NoError(t, res.Err)
		assert.Equal(t, "ancestor", res.StrategyUsed)
		assert.Equal(t, []string{"direct", "synthetic", "pointer", "ancestor"}, res.Tried)
		assert.Equal(t, 1, link.Clicks)
	})

	t.Run("checkbox falls back to space on keyboard activation", func(t *testing.T) {
		drv, exec := newExecutor(t)
		box := drivertest.Input("remember me", "#remember")
		box.Type = "checkbox"
		box.Fail = map[string]error{
			drivertest.OpClick:    errors.New("click failed"),
			drivertest.OpDispatch: errors.New("dispatch failed"),
			drivertest.OpPointer:  errors.New("pointer failed"),
		}
		drv.Add(box)

		res := exec.Perform(t.Context(), click(driver.CSS("remember me", "#remember")))
		require.NoError(t, res.Err)
		assert.Equal(t, "keyboard", res.StrategyUsed)
		assert.Contains(t, drv.Calls(), "PressKey: ")
		assert.Equal(t, []string{"key: "}, box.Events)
	})

	t.Run("collapsed element is scrolled into view and retried", func(t *testing.T) {
		drv, exec := newExecutor(t)
		btn := drivertest.Button("lazy", "#lazy")
		btn.Rect = driver.Rect{}
		btn.ExpandOnScroll = true
		drv.Add(btn)

		res := exec.Perform(t.Context(), click(driver.CSS("lazy", "#lazy")))
		require.NoError(t, res.Err)
		assert.Equal(t, "direct", res.StrategyUsed)
		assert.Contains(t, drv.Calls(), "ScrollIntoView:lazy")
		assert.Equal(t, 1, btn.Clicks)
	})

	t.Run("missing element fails readiness without trying strategies", func(t *testing.T) {
		_, exec := newExecutor(t)
		res := exec.Perform(t.Context(), click(driver.CSS("ghost", "#ghost")))
		assert.False(t, res.Succeeded)
		assert.ErrorIs(t, res.Err, driver.ErrTimeout)
		assert.ErrorIs(t, res.Err, driver.ErrElementNotFound)
		assert.Empty(t, res.Tried)
	})
}

func TestTypeText(t *testing.T) {
	loc := driver.CSS("email", "#email")

	t.Run("plain field accepts native keystrokes", func(t *testing.T) {
		drv, exec := newExecutor(t)
		field := drivertest.Input("email", "#email")
		field.Value = "stale"
		drv.Add(field)

		res := exec.Perform(t.Context(), typeText(loc, "alice@example.com"))
		require.NoError(t, res.Err)
		assert.Equal(t, "native", res.StrategyUsed)
		assert.Equal(t, "alice@example.com", res.ObservedValue)
		assert.Equal(t, "alice@example.com", field.Value)
	})

	t.Run("input-event-only field succeeds on event dispatch", func(t *testing.T) {
		drv, exec := newExecutor(t)
		field := drivertest.Input("email", "#email")
		field.EventsOnly = true
		drv.Add(field)

		res := exec.Perform(t.Context(), typeText(loc, "alice@example.com"))
		require.NoError(t, res.Err)
		assert.Equal(t, "events", res.StrategyUsed)
		assert.Equal(t, []string{"native", "events"}, res.Tried)
		assert.Equal(t, "alice@example.com", res.ObservedValue)
		assert.False(t, res.Degraded)
		assert.Contains(t, field.Events, "input")
		assert.Contains(t, field.Events, "change")
	})

	t.Run("incremental validator succeeds per character", func(t *testing.T) {
		drv, exec := newExecutor(t)
		field := drivertest.Input("otp", "#otp")
		field.SingleKeyOnly = true
		field.Fail = map[string]error{drivertest.OpSetValue: errors.New("value setter is locked")}
		drv.Add(field)

		res := exec.Perform(t.Context(), typeText(driver.CSS("otp", "#otp"), "4821"))
		require.NoError(t, res.Err)
		assert.Equal(t, "per-char", res.StrategyUsed)
		assert.Equal(t, "4821", field.Value)
		assert.GreaterOrEqual(t, drv.Clock().Elapsed(), 80*time.Millisecond, "a delay follows every character")
	})

	t.Run("field that never persists input is a degraded success", func(t *testing.T) {
		drv, exec := newExecutor(t)
		field := drivertest.Input("email", "#email")
		field.RejectInput = true
		drv.Add(field)

		res := exec.Perform(t.Context(), typeText(loc, "alice@example.com"))
		require.NoError(t, res.Err)
		assert.True(t, res.Succeeded)
		assert.True(t, res.Degraded)
		assert.Equal(t, "forced", res.StrategyUsed)
		assert.Empty(t, res.ObservedValue, "the unverified read-back is reported as observed")
	})

	t.Run("repeat call with the same text is a no-op", func(t *testing.T) {
		drv, exec := newExecutor(t)
		drv.Add(drivertest.Input("email", "#email"))

		first := exec.Perform(t.Context(), typeText(loc, "alice@example.com"))
		require.NoError(t, first.Err)
		callsAfterFirst := len(drv.Calls())

		second := exec.Perform(t.Context(), typeText(loc, "alice@example.com"))
		require.NoError(t, second.Err)
		assert.Equal(t, strategy.StrategyNoop, second.StrategyUsed)
		assert.Equal(t, "alice@example.com", second.ObservedValue)
		for _, call := range drv.Calls()[callsAfterFirst:] {
			assert.NotContains(t, call, "Keys")
			assert.NotContains(t, call, "SetValue")
		}
	})

	t.Run("empty payload clears the field", func(t *testing.T) {
		drv, exec := newExecutor(t)
		field := drivertest.Input("search", "#q")
		field.Value = "previous query"
		drv.Add(field)

		res := exec.Perform(t.Context(), typeText(driver.CSS("search", "#q"), ""))
		require.NoError(t, res.Err)
		assert.Equal(t, "native", res.StrategyUsed)
		assert.Empty(t, field.Value)
	})

	t.Run("hidden field times out on visibility", func(t *testing.T) {
		drv, exec := newExecutor(t)
		field := drivertest.Input("email", "#email")
		field.Visible = false
		drv.Add(field)

		res := exec.Perform(t.Context(), typeText(loc, "x"))
		var te *driver.TimeoutError
		require.True(t, errors.As(res.Err, &te))
		assert.Equal(t, "visible", te.Condition)
	})
}

func TestNoStrategyRunsAfterVerifiedSuccess(t *testing.T) {
	drv, exec := newExecutor(t)
	drv.Add(drivertest.Button("submit", "#submit"))

	var calls []string
	counting := func(name string, err error) strategy.Strategy {
		return strategy.Strategy{
			Name: name,
			Attempt: func(ctx context.Context, env strategy.Env, el driver.Element, payload string) error {
				calls = append(calls, name)
				return err
			},
		}
	}
	exec.SetChain(strategy.Click, []strategy.Strategy{
		counting("first", errors.New("nope")),
		counting("second", nil),
		counting("third", nil),
	})

	res := exec.Perform(t.Context(), click(driver.CSS("submit", "#submit")))
	require.NoError(t, res.Err)
	assert.Equal(t, "second", res.StrategyUsed)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestUnknownKind(t *testing.T) {
	_, exec := newExecutor(t)
	res := exec.Perform(t.Context(), strategy.Request{Kind: "hover", Locator: driver.CSS("x", "#x")})
	assert.False(t, res.Succeeded)
	assert.ErrorContains(t, res.Err, "no strategies registered")
}
