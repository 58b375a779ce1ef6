package cdp

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
	"github.com/xkilldash9x/stagehand/internal/config"
)

func fakeLookPath(found ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, f := range found {
			if f == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func TestExecPath(t *testing.T) {
	t.Run("explicit path wins and expands home", func(t *testing.T) {
		home, err := homedir.Dir()
		require.NoError(t, err)
		p, err := ExecPath(config.BrowserConfig{Choice: "edge", ExecPath: "~/bin/chrome"}, fakeLookPath())
		require.NoError(t, err)
		assert.Equal(t, home+"/bin/chrome", p)
	})

	t.Run("chrome defers to chromedp", func(t *testing.T) {
		p, err := ExecPath(config.BrowserConfig{Choice: "Chrome"}, fakeLookPath())
		require.NoError(t, err)
		assert.Empty(t, p)
		p, err = ExecPath(config.BrowserConfig{}, fakeLookPath())
		require.NoError(t, err)
		assert.Empty(t, p)
	})

	t.Run("edge and chromium search their candidates in order", func(t *testing.T) {
		p, err := ExecPath(config.BrowserConfig{Choice: "edge"}, fakeLookPath("msedge", "microsoft-edge-stable"))
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/microsoft-edge-stable", p)

		p, err = ExecPath(config.BrowserConfig{Choice: "chromium"}, fakeLookPath("chromium-browser"))
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/chromium-browser", p)
	})

	t.Run("missing browser", func(t *testing.T) {
		_, err := ExecPath(config.BrowserConfig{Choice: "edge"}, fakeLookPath())
		assert.ErrorIs(t, err, ErrBrowserNotFound)
	})

	t.Run("unknown choice", func(t *testing.T) {
		_, err := ExecPath(config.BrowserConfig{Choice: "netscape"}, fakeLookPath())
		assert.ErrorContains(t, err, "unsupported browser choice")
	})
}

func TestAllocatorOptions(t *testing.T) {
	base := len(AllocatorOptions(config.BrowserConfig{}, ""))
	assert.NotZero(t, base)

	full := AllocatorOptions(config.BrowserConfig{
		Headless:     true,
		WindowWidth:  1280,
		WindowHeight: 800,
		UserAgent:    "stagehand-test",
		Args:         []string{"--lang=en-US", "mute-audio", "--"},
	}, "/usr/bin/chromium")
	// headless, exec path, window size, user agent and two usable args.
	assert.Len(t, full, base+6)
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "\r", keyFor("Enter"))
	assert.Equal(t, "\t", keyFor("Tab"))
	assert.Equal(t, " ", keyFor(" "))
	assert.Equal(t, " ", keyFor("Space"))
	assert.Equal(t, "a", keyFor("a"))
}

func TestDecode(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		out, err := decode([]byte(`{"ok":true,"value":["ab12-1","ab12-2"]}`))
		require.NoError(t, err)
		var ids []string
		require.NoError(t, codec.Unmarshal(out, &ids))
		assert.Equal(t, []string{"ab12-1", "ab12-2"}, ids)
	})

	t.Run("null value", func(t *testing.T) {
		out, err := decode([]byte(`{"ok":true,"value":null}`))
		require.NoError(t, err)
		assert.Equal(t, "null", string(out))
	})

	t.Run("stale element", func(t *testing.T) {
		_, err := decode([]byte(`{"ok":false,"error":"stale: element ab12-3 is gone","stale":true}`))
		assert.ErrorIs(t, err, driver.ErrStaleElement)
		assert.ErrorContains(t, err, "element ab12-3 is gone")
	})

	t.Run("script error", func(t *testing.T) {
		_, err := decode([]byte(`{"ok":false,"error":"frame is not same-origin"}`))
		require.Error(t, err)
		assert.False(t, errors.Is(err, driver.ErrStaleElement))
		assert.EqualError(t, err, "frame is not same-origin")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := decode([]byte(`not json`))
		assert.ErrorContains(t, err, "failed to decode script result")
	})
}

func TestScripts(t *testing.T) {
	t.Run("css find escapes the selector", func(t *testing.T) {
		s := findScript("ab12", []string{"ab12-1"}, driver.CSS("email", `input[name="email"]`))
		assert.Contains(t, s, `const sel = "input[name=\"email\"]";`)
		assert.Contains(t, s, `__sh.doc(["ab12-1"])`)
		assert.Contains(t, s, "if (false)")
		assert.Contains(t, s, `prefix: "ab12"`)
		assert.Contains(t, s, `attr: "`+TagAttribute+`"`)
	})

	t.Run("xpath find", func(t *testing.T) {
		s := findScript("ab12", nil, driver.XPath("next", "//button[.='Next']"))
		assert.Contains(t, s, "if (true)")
		assert.Contains(t, s, "__sh.doc([])")
	})

	t.Run("element script binds the node", func(t *testing.T) {
		el := driver.Element{ID: "ab12-7", Path: []string{"ab12-1", "ab12-4"}}
		s := elementScript("ab12", el, bindArgs(attributeBody, "name", "aria-label"))
		assert.Contains(t, s, `__sh.el(["ab12-1","ab12-4"], "ab12-7")`)
		assert.Contains(t, s, `const name = "aria-label";`)
		assert.True(t, strings.HasPrefix(s, "(() => {"))
		assert.True(t, strings.HasSuffix(s, "})()"))
	})
}

func TestBind(t *testing.T) {
	type key struct{}
	tabCtx := context.WithValue(context.Background(), key{}, "tab")

	t.Run("inherits tab values and op deadline", func(t *testing.T) {
		op, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		ctx, done := bind(tabCtx, op)
		defer done()
		assert.Equal(t, "tab", ctx.Value(key{}))
		want, _ := op.Deadline()
		got, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("op cancellation propagates", func(t *testing.T) {
		op, cancel := context.WithCancel(context.Background())
		ctx, done := bind(tabCtx, op)
		defer done()
		cancel()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("bound context was not cancelled")
		}
	})

	t.Run("done leaves the tab alive", func(t *testing.T) {
		tab, cancelTab := context.WithCancel(context.Background())
		defer cancelTab()
		ctx, done := bind(tab, context.Background())
		done()
		assert.Error(t, ctx.Err())
		assert.NoError(t, tab.Err())
	})
}

func TestReconcile(t *testing.T) {
	closed := false
	d := &Driver{
		tabs: map[string]tab{
			"A": {ctx: context.Background()},
			"B": {ctx: context.Background(), cancel: func() { closed = true }},
		},
		order: []string{"A", "B"},
	}
	got := d.reconcile(map[string]bool{"A": true, "D": true, "C": true})
	assert.Equal(t, []string{"A", "C", "D"}, got)
	assert.True(t, closed, "the closed window's tab context is cancelled")
	assert.NotContains(t, d.tabs, "B")
	assert.Equal(t, []string{"A", "C", "D"}, d.order)
}
