package wait_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/browser/drivertest"
	"github.com/xkilldash9x/stagehand/internal/browser/wait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setup(t *testing.T) (*drivertest.Driver, *wait.Poller) {
	t.Helper()
	clock := drivertest.NewClock()
	drv := drivertest.New(clock)
	return drv, wait.NewPoller(drv, clock, 250*time.Millisecond, zaptest.NewLogger(t))
}

func TestElement(t *testing.T) {
	t.Run("returns once the element becomes visible", func(t *testing.T) {
		drv, p := setup(t)
		field := drivertest.Input("user", "#user")
		field.Visible = false
		drv.Add(field)
		drv.After(600*time.Millisecond, func() { field.Visible = true })

		el, err := p.Element(t.Context(), driver.CSS("user", "#user"), wait.Visible, 5*time.Second)
		require.NoError(t, err)
		assert.NotEmpty(t, el.ID)
		assert.Equal(t, 750*time.Millisecond, drv.Clock().Elapsed())
	})

	t.Run("clickable requires an uncovered centre", func(t *testing.T) {
		drv, p := setup(t)
		btn := drivertest.Button("save", "#save")
		btn.Obscured = true
		drv.Add(btn)
		drv.After(time.Second, func() { btn.Obscured = false })

		_, err := p.Element(t.Context(), driver.CSS("save", "#save"), wait.Clickable, 5*time.Second)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, drv.Clock().Elapsed(), time.Second)
	})

	t.Run("times out with the locator and the last error", func(t *testing.T) {
		_, p := setup(t)
		loc := driver.CSS("missing", "#missing")

		_, err := p.Element(t.Context(), loc, wait.Present, time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrTimeout)
		assert.ErrorIs(t, err, driver.ErrElementNotFound)

		var te *driver.TimeoutError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, loc, te.Locator)
		assert.Equal(t, time.Second, te.Waited)
		assert.Equal(t, "present", te.Condition)
	})

	t.Run("poll interval never exceeds the fixed constant", func(t *testing.T) {
		drv, p := setup(t)
		_, _ = p.Element(t.Context(), driver.CSS("missing", "#missing"), wait.Present, 1100*time.Millisecond)
		slept := drv.Clock().Slept()
		require.NotEmpty(t, slept)
		for _, d := range slept {
			assert.LessOrEqual(t, d, 250*time.Millisecond)
		}
		assert.Equal(t, 100*time.Millisecond, slept[len(slept)-1], "last sleep is trimmed to the deadline")
	})

	t.Run("zero timeout checks exactly once", func(t *testing.T) {
		drv, p := setup(t)
		drv.Add(drivertest.Div("banner", ".banner"))
		_, err := p.Element(t.Context(), driver.CSS("banner", ".banner"), wait.Visible, 0)
		require.NoError(t, err)
		assert.Empty(t, drv.Clock().Slept())
	})

	t.Run("cancelled context stops the wait", func(t *testing.T) {
		_, p := setup(t)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := p.Element(ctx, driver.CSS("x", "#x"), wait.Present, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestInvisible(t *testing.T) {
	drv, p := setup(t)
	spinner := drivertest.Div("spinner", ".spinner")
	drv.Add(spinner)
	drv.After(500*time.Millisecond, func() { spinner.Visible = false })

	require.NoError(t, p.Invisible(t.Context(), driver.CSS("spinner", ".spinner"), 2*time.Second))

	err := p.Invisible(t.Context(), driver.CSS("spinner", ".spinner"), 0)
	assert.NoError(t, err, "a hidden element stays invisible")

	spinner.Visible = true
	err = p.Invisible(t.Context(), driver.CSS("spinner", ".spinner"), 300*time.Millisecond)
	assert.ErrorIs(t, err, driver.ErrTimeout)
}

func TestWindowCount(t *testing.T) {
	drv, p := setup(t)
	drv.After(2*time.Second, func() { drv.OpenWindow("popup", "https://idp.example.com/") })

	handles, err := p.WindowCount(t.Context(), 2, 3*time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "popup"}, handles)

	_, err = p.WindowCount(t.Context(), 3, time.Second)
	assert.ErrorIs(t, err, driver.ErrTimeout)
}

func TestPageReady(t *testing.T) {
	drv, p := setup(t)
	w := drv.Window("main")
	w.ReadyState = "interactive"
	drv.After(time.Second, func() { w.ReadyState = "complete" })

	require.NoError(t, p.PageReady(t.Context(), 5*time.Second))
}

func TestRealClockSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := wait.RealClock().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, wait.RealClock().Sleep(t.Context(), time.Millisecond))
}
